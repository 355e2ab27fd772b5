package orderqueue

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/luxfi/database"
)

// Key layout:
//
//	oq/seq                      -> global submit sequence (8 bytes)
//	oq/acct/<account>           -> account sequence (8 bytes)
//	oq/<queue>/cursor           -> batch cursor (8 bytes)
//	oq/<queue>/count            -> key array length (8 bytes)
//	oq/<queue>/key/<idx>        -> RequestKey JSON
//	oq/<queue>/req/<acct>:<seq> -> request JSON
const keyPrefix = "oq/"

func seqKey() []byte                { return []byte(keyPrefix + "seq") }
func acctKey(account string) []byte { return []byte(keyPrefix + "acct/" + account) }
func cursorKey(queue string) []byte { return []byte(keyPrefix + queue + "/cursor") }
func countKey(queue string) []byte  { return []byte(keyPrefix + queue + "/count") }
func reqKey(queue string, k RequestKey) []byte {
	return []byte(keyPrefix + queue + "/req/" + k.String())
}

func idxKey(queue string, idx int) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(idx))
	return append([]byte(keyPrefix+queue+"/key/"), buf...)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func (q *Queue) persistIncrease(key RequestKey, req *IncreaseRequest) {
	if q.db == nil {
		return
	}
	blob, err := json.Marshal(req)
	if err != nil {
		q.logger.Error("encode increase request", "key", key.String(), "error", err)
		return
	}
	q.putAll(map[string][]byte{
		string(reqKey(q.incr.name, key)):                blob,
		string(idxKey(q.incr.name, len(q.incr.keys)-1)): mustJSON(key),
		string(countKey(q.incr.name)):                   encodeUint64(uint64(len(q.incr.keys))),
		string(seqKey()):                                encodeUint64(q.sequence),
		string(acctKey(key.Account)):                    encodeUint64(q.accountSeq[key.Account]),
	})
}

func (q *Queue) persistDecrease(key RequestKey, req *DecreaseRequest) {
	if q.db == nil {
		return
	}
	blob, err := json.Marshal(req)
	if err != nil {
		q.logger.Error("encode decrease request", "key", key.String(), "error", err)
		return
	}
	q.putAll(map[string][]byte{
		string(reqKey(q.decr.name, key)):                blob,
		string(idxKey(q.decr.name, len(q.decr.keys)-1)): mustJSON(key),
		string(countKey(q.decr.name)):                   encodeUint64(uint64(len(q.decr.keys))),
		string(seqKey()):                                encodeUint64(q.sequence),
		string(acctKey(key.Account)):                    encodeUint64(q.accountSeq[key.Account]),
	})
}

func (q *Queue) persistCursor(state *queueState) {
	if q.db == nil {
		return
	}
	if err := q.db.Put(cursorKey(state.name), encodeUint64(uint64(state.cursor))); err != nil {
		q.logger.Error("persist cursor", "queue", state.name, "error", err)
	}
}

func (q *Queue) deletePersisted(queue string, key RequestKey) {
	if q.db == nil {
		return
	}
	if err := q.db.Delete(reqKey(queue, key)); err != nil {
		q.logger.Error("delete persisted request", "key", key.String(), "error", err)
	}
}

func (q *Queue) putAll(entries map[string][]byte) {
	for k, v := range entries {
		if err := q.db.Put([]byte(k), v); err != nil {
			q.logger.Error("persist queue record", "key", k, "error", err)
		}
	}
}

func mustJSON(v any) []byte {
	blob, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return blob
}

// Load restores queue state from the database. Key-array entries whose
// request record is gone (already executed or cancelled) load as tombstones
// and are skipped by the batch processors.
func (q *Queue) Load() error {
	if q.db == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.loadUint64(seqKey())
	if err != nil {
		return err
	}
	q.sequence = seq

	if err := q.loadQueue(&q.incr, func(key RequestKey, blob []byte) error {
		var req IncreaseRequest
		if err := json.Unmarshal(blob, &req); err != nil {
			return err
		}
		q.incrReqs[key] = &req
		return nil
	}); err != nil {
		return err
	}
	if err := q.loadQueue(&q.decr, func(key RequestKey, blob []byte) error {
		var req DecreaseRequest
		if err := json.Unmarshal(blob, &req); err != nil {
			return err
		}
		q.decrReqs[key] = &req
		return nil
	}); err != nil {
		return err
	}

	// Account sequences resume from the highest loaded key per account.
	for _, key := range q.incr.keys {
		if key.Sequence > q.accountSeq[key.Account] {
			q.accountSeq[key.Account] = key.Sequence
		}
	}
	for _, key := range q.decr.keys {
		if key.Sequence > q.accountSeq[key.Account] {
			q.accountSeq[key.Account] = key.Sequence
		}
	}
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.incr.name, len(q.incrReqs))
		q.metrics.SetQueueDepth(q.decr.name, len(q.decrReqs))
	}
	q.logger.Info("queue state restored",
		"increasePending", len(q.incrReqs),
		"decreasePending", len(q.decrReqs),
		"sequence", q.sequence)
	return nil
}

func (q *Queue) loadQueue(state *queueState, restore func(RequestKey, []byte) error) error {
	count, err := q.loadUint64(countKey(state.name))
	if err != nil {
		return err
	}
	cursor, err := q.loadUint64(cursorKey(state.name))
	if err != nil {
		return err
	}
	state.cursor = int(cursor)

	for i := 0; i < int(count); i++ {
		blob, err := q.db.Get(idxKey(state.name, i))
		if err != nil {
			return fmt.Errorf("orderqueue: load %s key %d: %w", state.name, i, err)
		}
		var key RequestKey
		if err := json.Unmarshal(blob, &key); err != nil {
			return fmt.Errorf("orderqueue: decode %s key %d: %w", state.name, i, err)
		}
		state.keys = append(state.keys, key)

		reqBlob, err := q.db.Get(reqKey(state.name, key))
		if err != nil {
			if err == database.ErrNotFound {
				continue // tombstone
			}
			return fmt.Errorf("orderqueue: load %s request %s: %w", state.name, key.String(), err)
		}
		if err := restore(key, reqBlob); err != nil {
			return fmt.Errorf("orderqueue: decode %s request %s: %w", state.name, key.String(), err)
		}
	}
	return nil
}

func (q *Queue) loadUint64(key []byte) (uint64, error) {
	blob, err := q.db.Get(key)
	if err != nil {
		if err == database.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(blob) != 8 {
		return 0, fmt.Errorf("orderqueue: malformed counter at %q", key)
	}
	return binary.BigEndian.Uint64(blob), nil
}
