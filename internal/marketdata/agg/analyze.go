package agg

import (
	"candlefeedv1/internal/model"
)

// Anomaly thresholds. Volume spikes compare against the trailing mean;
// price spikes and gaps are percent moves of close-vs-open and
// open-vs-prev-close. Comparisons run on int64 minor units, never floats.
const (
	volumeSpikeFactor = 3
	priceSpikePercent = 3 // |close-open|/open >= 3%
	gapPercent        = 1 // |open-prevClose|/prevClose >= 1%
)

// analyze inspects a just-completed candle against the prior closed window
// and publishes anomaly events. Runs on the key's handler goroutine, after
// candle.completed.
func (a *Aggregator) analyze(key model.Key, c model.Candle) {
	window := a.cache.Slice(key, a.cfg.AnomalyLookback+1)
	// The tail of the window is c itself; everything before it is closed.
	var prior []model.Candle
	if n := len(window); n > 0 && window[n-1].OpenTime == c.OpenTime {
		prior = window[:n-1]
	} else {
		prior = window
	}

	if ev, ok := highVolume(key, c, prior); ok {
		a.pub.Publish(model.NewEvent(model.TopicHighVolume, serviceName, ev))
	}
	if ev, ok := priceSpike(key, c); ok {
		a.pub.Publish(model.NewEvent(model.TopicPriceSpike, serviceName, ev))
	}
	if len(prior) > 0 {
		if ev, ok := gapDetected(key, c, prior[len(prior)-1]); ok {
			a.pub.Publish(model.NewEvent(model.TopicGapDetected, serviceName, ev))
		}
	}
}

func highVolume(key model.Key, c model.Candle, prior []model.Candle) (model.HighVolume, bool) {
	if len(prior) == 0 {
		return model.HighVolume{}, false
	}
	var sum int64
	for _, p := range prior {
		sum += p.Volume
	}
	if sum <= 0 {
		return model.HighVolume{}, false
	}
	n := int64(len(prior))
	// volume > 3 * mean  <=>  volume * n > 3 * sum
	if c.Volume*n <= volumeSpikeFactor*sum {
		return model.HighVolume{}, false
	}
	avg := sum / n
	return model.HighVolume{
		Key:           key,
		OpenTime:      c.OpenTime,
		CurrentVolume: model.FormatDecimal(c.Volume),
		AverageVolume: model.FormatDecimal(avg),
		Ratio:         float64(c.Volume) * float64(n) / float64(sum),
	}, true
}

func priceSpike(key model.Key, c model.Candle) (model.PriceSpike, bool) {
	diff := c.Close - c.Open
	dir := model.DirectionUp
	if diff < 0 {
		diff = -diff
		dir = model.DirectionDown
	}
	// |close-open|/open >= 3%  <=>  diff * 100 >= 3 * open
	if diff*100 < priceSpikePercent*c.Open {
		return model.PriceSpike{}, false
	}
	return model.PriceSpike{
		Key:       key,
		OpenTime:  c.OpenTime,
		Percent:   float64(diff) * 100 / float64(c.Open),
		Direction: dir,
	}, true
}

func gapDetected(key model.Key, c model.Candle, prev model.Candle) (model.GapDetected, bool) {
	if prev.Close <= 0 {
		return model.GapDetected{}, false
	}
	diff := c.Open - prev.Close
	dir := model.DirectionUp
	if diff < 0 {
		diff = -diff
		dir = model.DirectionDown
	}
	if diff*100 < gapPercent*prev.Close {
		return model.GapDetected{}, false
	}
	return model.GapDetected{
		Key:         key,
		OpenTime:    c.OpenTime,
		Percent:     float64(diff) * 100 / float64(prev.Close),
		Direction:   dir,
		PrevClose:   model.FormatDecimal(prev.Close),
		CurrentOpen: model.FormatDecimal(c.Open),
	}, true
}
