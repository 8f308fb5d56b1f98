package taskqueue

import (
	"fmt"

	"github.com/linkedin/goavro/v2"
)

// Snapshot payload framing: one flag byte followed by the Avro body.
const (
	snapshotPlain byte = 0
	snapshotZstd  byte = 1

	snapshotVersion = 1
)

const snapshotSchema = `{
	"type": "record",
	"name": "Snapshot",
	"namespace": "taskflux.taskqueue",
	"fields": [
		{"name": "version", "type": "int"},
		{"name": "queues", "type": {"type": "array", "items": {
			"type": "record",
			"name": "Queue",
			"fields": [
				{"name": "name", "type": "bytes"},
				{"name": "maxSize", "type": "long"},
				{"name": "maxPayloadSize", "type": "long"},
				{"name": "hasPriorityRange", "type": "boolean"},
				{"name": "priorityMin", "type": "long"},
				{"name": "priorityMax", "type": "long"},
				{"name": "items", "type": {"type": "array", "items": {
					"type": "record",
					"name": "Item",
					"fields": [
						{"name": "priority", "type": "long"},
						{"name": "payload", "type": "bytes"}
					]
				}}}
			]
		}}}
	]
}`

var snapshotCodec = mustCodec(snapshotSchema)

func mustCodec(schema string) *goavro.Codec {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		panic(fmt.Sprintf("taskqueue: bad snapshot schema: %v", err))
	}
	return codec
}

// Snapshot serializes every queue and its items.
func (a *Application) Snapshot() ([]byte, error) {
	queues := a.manager.Queues()
	nativeQueues := make([]interface{}, 0, len(queues))
	items := 0
	for _, q := range queues {
		nativeQueues = append(nativeQueues, queueToNative(q))
		items += q.Len()
	}

	body, err := snapshotCodec.BinaryFromNative(nil, map[string]interface{}{
		"version": int32(snapshotVersion),
		"queues":  nativeQueues,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode: %v", ErrInvalidSnapshot, err)
	}

	var out []byte
	if a.compress {
		out = a.encoder.EncodeAll(body, []byte{snapshotZstd})
	} else {
		out = append([]byte{snapshotPlain}, body...)
	}

	a.logger.Debug("snapshot encoded",
		"queues", len(queues),
		"items", items,
		"rawSize", len(body),
		"size", len(out),
	)
	return out, nil
}

// Restore replaces every queue with the content of a snapshot.
func (a *Application) Restore(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidSnapshot)
	}

	body := data[1:]
	switch data[0] {
	case snapshotPlain:
	case snapshotZstd:
		raw, err := a.decoder.DecodeAll(body, nil)
		if err != nil {
			return fmt.Errorf("%w: decompress: %v", ErrInvalidSnapshot, err)
		}
		body = raw
	default:
		return fmt.Errorf("%w: unknown framing %d", ErrInvalidSnapshot, data[0])
	}

	native, rest, err := snapshotCodec.NativeFromBinary(body)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidSnapshot, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrInvalidSnapshot, len(rest))
	}

	queues, err := queuesFromNative(native)
	if err != nil {
		return err
	}
	a.manager.replace(queues)

	a.logger.Info("snapshot restored", "queues", len(queues))
	return nil
}

func queueToNative(q *PriorityQueue) map[string]interface{} {
	opts := q.Options()
	items := q.Items()

	nativeItems := make([]interface{}, len(items))
	for i, it := range items {
		nativeItems[i] = map[string]interface{}{
			"priority": it.Priority,
			"payload":  it.Payload,
		}
	}

	rec := map[string]interface{}{
		"name":             []byte(q.Name()),
		"maxSize":          int64(opts.MaxSize),
		"maxPayloadSize":   int64(opts.MaxPayloadSize),
		"hasPriorityRange": opts.PriorityRange != nil,
		"priorityMin":      int64(0),
		"priorityMax":      int64(0),
		"items":            nativeItems,
	}
	if r := opts.PriorityRange; r != nil {
		rec["priorityMin"] = r.Min
		rec["priorityMax"] = r.Max
	}
	return rec
}

func queuesFromNative(native interface{}) ([]*PriorityQueue, error) {
	root, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: unexpected root %T", ErrInvalidSnapshot, native)
	}
	if v, _ := root["version"].(int32); v != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %v", ErrInvalidSnapshot, root["version"])
	}
	list, ok := root["queues"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: missing queues", ErrInvalidSnapshot)
	}

	queues := make([]*PriorityQueue, 0, len(list))
	for _, entry := range list {
		rec, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected queue %T", ErrInvalidSnapshot, entry)
		}
		q, err := queueFromNative(rec)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, nil
}

func queueFromNative(rec map[string]interface{}) (*PriorityQueue, error) {
	rawName, _ := rec["name"].([]byte)
	name, err := ParseQueueName(string(rawName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}

	maxSize, _ := rec["maxSize"].(int64)
	maxPayload, _ := rec["maxPayloadSize"].(int64)
	opts := QueueOptions{MaxSize: int(maxSize), MaxPayloadSize: int(maxPayload)}
	if has, _ := rec["hasPriorityRange"].(bool); has {
		lo, _ := rec["priorityMin"].(int64)
		hi, _ := rec["priorityMax"].(int64)
		opts.PriorityRange = &PriorityRange{Min: lo, Max: hi}
	}

	// Limits are not enforced while refilling: the items were accepted
	// under the same limits already.
	q, err := NewPriorityQueue(name, QueueOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: queue %s: %v", ErrInvalidSnapshot, name, err)
	}
	items, _ := rec["items"].([]interface{})
	for _, entry := range items {
		it, ok := entry.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: unexpected item %T", ErrInvalidSnapshot, entry)
		}
		priority, _ := it["priority"].(int64)
		payload, _ := it["payload"].([]byte)
		if err := q.Enqueue(priority, payload); err != nil {
			return nil, fmt.Errorf("%w: queue %s: %v", ErrInvalidSnapshot, name, err)
		}
	}

	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%w: queue %s: %v", ErrInvalidSnapshot, name, err)
	}
	q.opts = opts
	return q, nil
}
