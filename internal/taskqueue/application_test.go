package taskqueue

import (
	"errors"
	"fmt"
	"testing"
)

func newTestApplication(t *testing.T, compress bool) *Application {
	t.Helper()
	app, err := NewApplication(Options{CompressSnapshots: compress})
	if err != nil {
		t.Fatalf("NewApplication failed: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

// apply runs cmd through the encoded path the consensus node uses.
func apply(t *testing.T, app *Application, cmd Command) Result {
	t.Helper()
	data, err := EncodeCommand(cmd)
	if err != nil {
		t.Fatalf("EncodeCommand failed: %v", err)
	}
	res, err := DecodeResult(app.Apply(data))
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	return res
}

func errorType(res Result) (ErrorType, bool) {
	var e *Error
	if err, ok := res.(error); ok && errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

func TestApplicationCommands(t *testing.T) {
	app := newTestApplication(t, false)

	steps := []struct {
		name string
		cmd  Command
		want Result
	}{
		{"create", CreateQueue{Name: "jobs"}, OkResult{}},
		{"enqueue low", Enqueue{Queue: "jobs", Priority: 1, Payload: []byte("low")}, EnqueueResult{Ok: true}},
		{"enqueue high", Enqueue{Queue: "jobs", Priority: 9, Payload: []byte("high")}, EnqueueResult{Ok: true}},
		{"count", Count{Queue: "jobs"}, CountResult{Count: 2}},
		{"dequeue high", Dequeue{Queue: "jobs"}, DequeueResult{Ok: true, Item: Item{Priority: 9, Payload: []byte("high")}}},
		{"dequeue low", Dequeue{Queue: "jobs"}, DequeueResult{Ok: true, Item: Item{Priority: 1, Payload: []byte("low")}}},
		{"dequeue empty", Dequeue{Queue: "jobs"}, DequeueResult{Ok: false}},
		{"list", ListQueues{}, ListQueuesResult{Queues: []QueueInfo{{Name: "jobs", Count: 0}}}},
		{"delete", DeleteQueue{Name: "jobs"}, OkResult{}},
		{"list empty", ListQueues{}, ListQueuesResult{Queues: []QueueInfo{}}},
	}

	for _, step := range steps {
		got := apply(t, app, step.cmd)
		if fmt.Sprintf("%#v", got) != fmt.Sprintf("%#v", step.want) {
			t.Errorf("%s: got %#v, want %#v", step.name, got, step.want)
		}
	}
}

func TestApplicationErrors(t *testing.T) {
	app := newTestApplication(t, false)
	apply(t, app, CreateQueue{Name: "small", Options: QueueOptions{
		MaxSize:        1,
		MaxPayloadSize: 3,
		PriorityRange:  &PriorityRange{Min: 0, Max: 5},
	}})

	tests := []struct {
		name string
		cmd  Command
		want ErrorType
	}{
		{"duplicate queue", CreateQueue{Name: "small"}, ErrorQueueAlreadyExists},
		{"invalid name", CreateQueue{Name: "no spaces"}, ErrorInvalidQueueName},
		{"empty name", Count{Queue: ""}, ErrorInvalidQueueName},
		{"inverted range", CreateQueue{Name: "r", Options: QueueOptions{PriorityRange: &PriorityRange{Min: 3, Max: 1}}}, ErrorInvalidPriorityRange},
		{"negative max size", CreateQueue{Name: "s", Options: QueueOptions{MaxSize: -1}}, ErrorInvalidMaxQueueSize},
		{"negative max payload", CreateQueue{Name: "p", Options: QueueOptions{MaxPayloadSize: -1}}, ErrorInvalidMaxPayloadSize},
		{"missing queue", Dequeue{Queue: "missing"}, ErrorQueueDoesNotExist},
		{"delete missing", DeleteQueue{Name: "missing"}, ErrorQueueDoesNotExist},
		{"priority out of range", Enqueue{Queue: "small", Priority: 6, Payload: []byte("a")}, ErrorPriorityRangeViolation},
		{"payload too large", Enqueue{Queue: "small", Priority: 1, Payload: []byte("abcd")}, ErrorPayloadTooLarge},
	}

	for _, tt := range tests {
		res := apply(t, app, tt.cmd)
		got, ok := errorType(res)
		if !ok {
			t.Errorf("%s: got %#v, want error %s", tt.name, res, tt.want)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: error type = %s, want %s", tt.name, got, tt.want)
		}
	}

	// A full queue is reported through the enqueue result.
	apply(t, app, Enqueue{Queue: "small", Priority: 1, Payload: []byte("a")})
	if res := apply(t, app, Enqueue{Queue: "small", Priority: 1, Payload: []byte("b")}); res != (EnqueueResult{Ok: false}) {
		t.Errorf("enqueue on full queue = %#v", res)
	}
}

func TestApplicationMalformedCommand(t *testing.T) {
	app := newTestApplication(t, false)

	res, err := DecodeResult(app.Apply([]byte{0x42, 1, 2}))
	if err != nil {
		t.Fatalf("DecodeResult failed: %v", err)
	}
	if typ, ok := errorType(res); !ok || typ != ErrorUnknown {
		t.Errorf("result = %#v, want Unknown error", res)
	}

	// Dropped silently on replay.
	app.ApplyNoResponse([]byte{0x42})
}

func TestApplicationApplyNoResponse(t *testing.T) {
	app := newTestApplication(t, false)

	for _, cmd := range []Command{
		CreateQueue{Name: "replayed"},
		Enqueue{Queue: "replayed", Priority: 1, Payload: []byte("a")},
		Enqueue{Queue: "replayed", Priority: 2, Payload: []byte("b")},
		Dequeue{Queue: "replayed"},
		Count{Queue: "replayed"},
	} {
		data, _ := EncodeCommand(cmd)
		app.ApplyNoResponse(data)
	}

	q, ok := app.Manager().Get("replayed")
	if !ok {
		t.Fatal("queue not created")
	}
	if q.Len() != 1 {
		t.Errorf("Len = %d, want 1", q.Len())
	}
	item, _ := q.Dequeue()
	if string(item.Payload) != "a" {
		t.Errorf("remaining item = %s, want a", item.Payload)
	}
}

func TestApplicationIsReadOnly(t *testing.T) {
	app := newTestApplication(t, false)

	count, _ := EncodeCommand(Count{Queue: "q"})
	enqueue, _ := EncodeCommand(Enqueue{Queue: "q"})
	if !app.IsReadOnly(count) {
		t.Error("Count not read-only")
	}
	if app.IsReadOnly(enqueue) {
		t.Error("Enqueue read-only")
	}
}

func TestApplicationSnapshotRestore(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			src := newTestApplication(t, compress)
			apply(t, src, CreateQueue{Name: "alpha", Options: QueueOptions{
				MaxSize:        10,
				MaxPayloadSize: 64,
				PriorityRange:  &PriorityRange{Min: -5, Max: 5},
			}})
			apply(t, src, CreateQueue{Name: "empty"})
			for i, p := range []int64{0, 3, 3, -5} {
				apply(t, src, Enqueue{Queue: "alpha", Priority: p, Payload: []byte(fmt.Sprintf("item-%d", i))})
			}

			data, err := src.Snapshot()
			if err != nil {
				t.Fatalf("Snapshot failed: %v", err)
			}
			wantFlag := snapshotPlain
			if compress {
				wantFlag = snapshotZstd
			}
			if data[0] != wantFlag {
				t.Errorf("framing byte = %d, want %d", data[0], wantFlag)
			}

			// The target starts with unrelated state that must disappear;
			// it also reads snapshots regardless of its own compression.
			dst := newTestApplication(t, !compress)
			apply(t, dst, CreateQueue{Name: "stale"})

			if err := dst.Restore(data); err != nil {
				t.Fatalf("Restore failed: %v", err)
			}

			list := dst.Manager().List()
			if len(list) != 2 || list[0].Name != "alpha" || list[1].Name != "empty" {
				t.Fatalf("restored queues = %+v", list)
			}
			opts := list[0].Options
			if opts.MaxSize != 10 || opts.MaxPayloadSize != 64 || opts.PriorityRange == nil ||
				*opts.PriorityRange != (PriorityRange{Min: -5, Max: 5}) {
				t.Errorf("restored options = %+v", opts)
			}
			if list[1].Options.PriorityRange != nil {
				t.Error("queue without range restored with one")
			}

			want := []string{"item-1", "item-2", "item-0", "item-3"}
			for _, w := range want {
				res := apply(t, dst, Dequeue{Queue: "alpha"})
				d, ok := res.(DequeueResult)
				if !ok || !d.Ok || string(d.Item.Payload) != w {
					t.Fatalf("Dequeue = %#v, want %s", res, w)
				}
			}

			// Limits still apply after restore.
			if typ, _ := errorType(apply(t, dst, Enqueue{Queue: "alpha", Priority: 6})); typ != ErrorPriorityRangeViolation {
				t.Errorf("range not enforced after restore: %s", typ)
			}
		})
	}
}

func TestApplicationRestoreInvalid(t *testing.T) {
	app := newTestApplication(t, false)
	good, err := app.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"unknown framing", []byte{9, 1, 2}},
		{"bad zstd", []byte{snapshotZstd, 1, 2, 3}},
		{"trailing bytes", append(append([]byte(nil), good...), 0x01)},
	}

	for _, tt := range tests {
		if err := app.Restore(tt.data); !errors.Is(err, ErrInvalidSnapshot) {
			t.Errorf("%s: error = %v, want ErrInvalidSnapshot", tt.name, err)
		}
	}
}
