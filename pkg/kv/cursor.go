package kv

import bolt "go.etcd.io/bbolt"

// Cursor iterates a Database's keys in sorted order. Every method returns
// the raw stored key/value; for a DupSort database the returned key still
// carries its 8-byte sequence suffix (use DupLogicalKey to strip it, or
// ForEachDup to iterate by logical key instead).
type Cursor struct {
	c  *bolt.Cursor
	db Database
}

func (c *Cursor) First() (key, val []byte) { return c.c.First() }
func (c *Cursor) Last() (key, val []byte)  { return c.c.Last() }
func (c *Cursor) Next() (key, val []byte)  { return c.c.Next() }
func (c *Cursor) Prev() (key, val []byte)  { return c.c.Prev() }

// Seek moves the cursor to the first key >= target.
func (c *Cursor) Seek(target []byte) (key, val []byte) { return c.c.Seek(target) }
