// Package metric publishes per-component frame counters with expvar.
package metric

import (
	"expvar"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

const componentsLabel = "framepipe.components"

const (
	// FrameCounter measures number of frames.
	FrameCounter = "Frames"
	// ByteCounter measures number of pixel bytes.
	ByteCounter = "Bytes"
	// LatencyCounter measures latency between processing calls.
	LatencyCounter = "Latency"
	// DurationCounter counts the video time of processed frames.
	DurationCounter = "Duration"
	// ComponentCounter counts number of metered component instances.
	ComponentCounter = "Components"
)

var (
	components = metrics{
		m: make(map[string]metric),
	}

	counters = []string{
		FrameCounter,
		ByteCounter,
		LatencyCounter,
		DurationCounter,
		ComponentCounter,
	}
)

// Get metrics values for provided component type.
func Get(component interface{}) map[string]string {
	return getCounters(getType(component))
}

// GetAll returns counters for all measured components.
func GetAll() map[string]map[string]string {
	m := make(map[string]map[string]string)
	components.Lock()
	defer components.Unlock()
	for component := range components.m {
		m[component] = getCounters(component)
	}
	return m
}

func getCounters(componentType string) map[string]string {
	m := make(map[string]string)
	for _, counter := range counters {
		v := expvar.Get(key(componentType, counter))
		if v != nil {
			m[counter] = v.String()
		}
	}
	return m
}

// ResetFunc returns new Measure closure. This closure is needed to postpone metrics
// capture until component is actually running.
type ResetFunc func() MeasureFunc

// MeasureFunc captures metrics when a frame is processed.
type MeasureFunc func(frameBytes int64)

// Meter creates new meter closure to capture component counters. Frame
// rate is used to convert frames into video time, zero disables it.
func Meter(component interface{}, fps float64) ResetFunc {
	t := getType(component)
	metric := components.get(t)
	metric.components.Add(1)
	frameDuration := DurationOf(fps, 1)
	return func() MeasureFunc {
		calledAt := time.Now()
		return func(b int64) {
			metric.latency.set(time.Since(calledAt))
			metric.frames.Add(1)
			metric.bytes.Add(b)
			metric.duration.add(frameDuration)
			calledAt = time.Now()
		}
	}
}

// DurationOf returns the video time of frames at provided frame rate.
func DurationOf(fps float64, frames int64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(frames) * float64(time.Second) / fps)
}

type metrics struct {
	sync.Mutex
	m map[string]metric
}

func (m *metrics) get(componentType string) metric {
	m.Lock()
	defer m.Unlock()
	if metric, ok := m.m[componentType]; ok {
		// return existing metric if available
		return metric
	}
	// create new metric
	metric := newMetric(componentType)
	m.m[componentType] = metric
	return metric
}

type metric struct {
	key        string
	components *expvar.Int
	frames     *expvar.Int
	bytes      *expvar.Int
	latency    *duration
	duration   *duration
}

func newMetric(componentType string) metric {
	m := metric{
		key:        componentType,
		components: expvar.NewInt(key(componentType, ComponentCounter)),
		frames:     expvar.NewInt(key(componentType, FrameCounter)),
		bytes:      expvar.NewInt(key(componentType, ByteCounter)),
		latency:    &duration{},
		duration:   &duration{},
	}
	expvar.Publish(key(componentType, LatencyCounter), m.latency)
	expvar.Publish(key(componentType, DurationCounter), m.duration)
	return m
}

func key(componentType, counter string) string {
	return fmt.Sprintf("%s.%s.%s", componentsLabel, componentType, counter)
}

func getType(component interface{}) string {
	rv := reflect.ValueOf(component)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	return rv.Type().String()
}

// duration allows to format time.Duration metric values.
type duration struct {
	d int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%q", time.Duration(atomic.LoadInt64(&v.d)).String())
}

func (v *duration) add(delta time.Duration) {
	atomic.AddInt64(&v.d, int64(delta))
}

func (v *duration) set(value time.Duration) {
	atomic.StoreInt64(&v.d, int64(value))
}
