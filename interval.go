package loom

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/engine"
	"github.com/loomworks/loom/pkg/tree"
)

// Interval is a built-in component managing a ticker resource. Props:
//
//	"every": time.Duration between ticks
//	"fn":    func(tick int) invoked on each tick
//
// The ticker starts when the instance deploys and stops when it is removed.
// Like any instance-bearing component it requires a key.
var Interval tree.Component = func(props tree.Props) any {
	engine.UseResource(map[string]any{
		"every": props["every"],
		"fn":    props["fn"],
	}, intervalHandler)
	return tree.H(tree.Fragment, nil)
}

func intervalHandler(_ context.Context, props map[string]any, setOutputs engine.SetOutputsFunc) (engine.CleanupFunc, error) {
	every, _ := props["every"].(time.Duration)
	if every <= 0 {
		every = time.Second
	}
	fn, _ := props["fn"].(func(tick int))

	ticker := time.NewTicker(every)
	done := make(chan struct{})
	go func() {
		tick := 0
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tick++
				if fn != nil {
					fn(tick)
				}
				setOutputs(map[string]any{"ticks": tick})
			}
		}
	}()

	setOutputs(map[string]any{"ticks": 0})
	return func(context.Context) error {
		ticker.Stop()
		close(done)
		return nil
	}, nil
}
