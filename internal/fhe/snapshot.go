// snapshot.go - JSON persistence of sealed values and persistent grants.
//
// Snapshots carry ciphertexts only; they can be restored only into a
// coprocessor holding the same network key.

package fhe

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Snapshot is the serializable state of a Coprocessor.
type Snapshot struct {
	KeyFingerprint string                      `json:"keyFingerprint"`
	Counter        uint64                      `json:"counter"`
	Sealed         map[Handle]hexutil.Bytes    `json:"sealed"`
	Allowed        map[Handle][]common.Address `json:"allowed"`
	Public         []Handle                    `json:"public"`
}

// Snapshot captures committed state. It fails while a transaction is open.
func (c *Coprocessor) Snapshot() (*Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.tx != nil {
		return nil, ErrTransactionActive
	}
	s := &Snapshot{
		KeyFingerprint: c.key.fingerprint(),
		Counter:        c.counter,
		Sealed:         make(map[Handle]hexutil.Bytes, len(c.sealed)),
		Allowed:        make(map[Handle][]common.Address, len(c.acl.allowed)),
		Public:         make([]Handle, 0, len(c.acl.public)),
	}
	for h, ct := range c.sealed {
		s.Sealed[h] = append(hexutil.Bytes(nil), ct...)
	}
	for h := range c.acl.allowed {
		accs := c.acl.accounts(h)
		sort.Slice(accs, func(i, j int) bool { return accs[i].Cmp(accs[j]) < 0 })
		s.Allowed[h] = accs
	}
	for h := range c.acl.public {
		s.Public = append(s.Public, h)
	}
	sort.Slice(s.Public, func(i, j int) bool { return s.Public[i].Hash().Cmp(s.Public[j].Hash()) < 0 })
	return s, nil
}

// Restore replaces the coprocessor state with s.
func (c *Coprocessor) Restore(s *Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		return ErrTransactionActive
	}
	if s.KeyFingerprint != c.key.fingerprint() {
		return ErrSnapshotMismatched
	}
	sealed := make(map[Handle][]byte, len(s.Sealed))
	for h, ct := range s.Sealed {
		sealed[h] = append([]byte(nil), ct...)
	}
	a := newACL()
	for h, accs := range s.Allowed {
		if _, ok := sealed[h]; !ok {
			return fmt.Errorf("fhe: restore grant: %w: %s", ErrUnknownHandle, h)
		}
		for _, acc := range accs {
			a.allow(h, acc)
		}
	}
	for _, h := range s.Public {
		if _, ok := sealed[h]; !ok {
			return fmt.Errorf("fhe: restore public flag: %w: %s", ErrUnknownHandle, h)
		}
		a.makePublic(h)
	}
	c.sealed = sealed
	c.acl = a
	c.counter = s.Counter
	return nil
}

// SaveToFile writes a snapshot as indented JSON. Overwrites the file if it
// exists.
func (c *Coprocessor) SaveToFile(path string) error {
	s, err := c.Snapshot()
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// LoadFromFile restores state previously written by SaveToFile.
func (c *Coprocessor) LoadFromFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var s Snapshot
	if err := json.NewDecoder(f).Decode(&s); err != nil {
		return fmt.Errorf("fhe: decode snapshot: %w", err)
	}
	return c.Restore(&s)
}
