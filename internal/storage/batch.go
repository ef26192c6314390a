package storage

// Batch collects writes and applies them together on Commit. Cancel drops
// the collected writes; a batch is not reused after Commit or Cancel.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Commit() error
	Cancel()
}

// Batcher is implemented by databases that can commit a Batch atomically.
type Batcher interface {
	NewBatch() Batch
}

// NewBatch returns an atomic batch when db supports one, otherwise a
// buffered batch that replays its writes one by one on Commit.
func NewBatch(db DB) Batch {
	if b, ok := db.(Batcher); ok {
		return b.NewBatch()
	}
	return &fallbackBatch{db: db}
}

type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// fallbackBatch buffers writes and applies them non-atomically.
type fallbackBatch struct {
	db  DB
	ops []batchOp
}

func (fb *fallbackBatch) Put(key, value []byte) error {
	fb.ops = append(fb.ops, batchOp{key: cloneBytes(key), value: cloneBytes(value)})
	return nil
}

func (fb *fallbackBatch) Delete(key []byte) error {
	fb.ops = append(fb.ops, batchOp{key: cloneBytes(key), delete: true})
	return nil
}

func (fb *fallbackBatch) Commit() error {
	for _, op := range fb.ops {
		var err error
		if op.delete {
			err = fb.db.Delete(op.key)
		} else {
			err = fb.db.Put(op.key, op.value)
		}
		if err != nil {
			return err
		}
	}
	fb.ops = nil
	return nil
}

func (fb *fallbackBatch) Cancel() {
	fb.ops = nil
}

// Base returns the database under every PrefixDB layer of db.
func Base(db DB) DB {
	for {
		p, ok := db.(*PrefixDB)
		if !ok {
			return db
		}
		db = p.inner
	}
}

// Bind returns a view of b, a batch on Base(db), that writes under the
// key namespace of db. Several namespaces of one database can stage into
// the same batch and commit together through b.
func Bind(db DB, b Batch) Batch {
	p, ok := db.(*PrefixDB)
	if !ok {
		return b
	}
	return &prefixBatch{inner: Bind(p.inner, b), db: p}
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
