package iterator

import "lsmkv/pkg/command"

// Commands is a pull iterator over a key-ascending command stream.
//
// Next reports false once the stream is exhausted or after an error;
// callers that stop early must Close to release underlying files, and
// callers that drain fully should still check Err.
type Commands interface {
	Next() (command.Command, bool)
	Err() error
	Close() error
}

// Merge combines two key-ascending streams into one. On equal keys the
// command from newer is kept and the one from older is discarded; this is
// the only mechanism by which fresh writes overwrite stale ones and by
// which tombstones mask older puts. Tombstones themselves are never
// dropped here.
func Merge(newer, older Commands) Commands {
	return &mergeIter{newer: newer, older: older}
}

type mergeIter struct {
	newer, older     Commands
	newerHd, olderHd command.Command
	newerOK, olderOK bool
	primed           bool
}

func (m *mergeIter) Next() (command.Command, bool) {
	if !m.primed {
		m.newerHd, m.newerOK = m.newer.Next()
		m.olderHd, m.olderOK = m.older.Next()
		m.primed = true
	}

	switch {
	case m.newerOK && m.olderOK:
		switch {
		case m.newerHd.Key < m.olderHd.Key:
			return m.popNewer(), true
		case m.newerHd.Key > m.olderHd.Key:
			return m.popOlder(), true
		default:
			m.popOlder() // same key, older command loses
			return m.popNewer(), true
		}
	case m.newerOK:
		return m.popNewer(), true
	case m.olderOK:
		return m.popOlder(), true
	default:
		return command.Command{}, false
	}
}

func (m *mergeIter) popNewer() command.Command {
	cmd := m.newerHd
	m.newerHd, m.newerOK = m.newer.Next()
	return cmd
}

func (m *mergeIter) popOlder() command.Command {
	cmd := m.olderHd
	m.olderHd, m.olderOK = m.older.Next()
	return cmd
}

func (m *mergeIter) Err() error {
	if err := m.newer.Err(); err != nil {
		return err
	}
	return m.older.Err()
}

func (m *mergeIter) Close() error {
	err := m.newer.Close()
	if cerr := m.older.Close(); err == nil {
		err = cerr
	}
	return err
}

// Chain concatenates streams back to back. The result is key-ascending
// when the inputs are key-ascending and pairwise non-overlapping in
// ascending order, which is the disk-level table invariant.
func Chain(its ...Commands) Commands {
	return &chainIter{its: its}
}

type chainIter struct {
	its []Commands
	cur int
}

func (c *chainIter) Next() (command.Command, bool) {
	for c.cur < len(c.its) {
		if cmd, ok := c.its[c.cur].Next(); ok {
			return cmd, true
		}
		if c.its[c.cur].Err() != nil {
			return command.Command{}, false
		}
		c.cur++
	}
	return command.Command{}, false
}

func (c *chainIter) Err() error {
	for _, it := range c.its {
		if err := it.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (c *chainIter) Close() error {
	var err error
	for _, it := range c.its {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// OnceDone runs fn exactly once, at the moment the underlying stream is
// first observed exhausted. Closing early without exhaustion does not
// run fn.
func OnceDone(it Commands, fn func()) Commands {
	return &onceDone{inner: it, fn: fn}
}

type onceDone struct {
	inner Commands
	fn    func()
	fired bool
}

func (o *onceDone) Next() (command.Command, bool) {
	cmd, ok := o.inner.Next()
	if !ok && !o.fired && o.inner.Err() == nil {
		o.fired = true
		o.fn()
	}
	return cmd, ok
}

func (o *onceDone) Err() error { return o.inner.Err() }

func (o *onceDone) Close() error { return o.inner.Close() }
