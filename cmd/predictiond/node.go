// node.go - Wiring of coprocessor, host chain, engine and relayer
package main

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"

	"encledger/internal/chain"
	"encledger/internal/fhe"
	"encledger/internal/inputs"
	"encledger/internal/ledger"
	"encledger/internal/relayer"
)

const (
	coprocessorStateFile = "coprocessor.json"
	ledgerStateFile      = "ledger.json"
	chainStateFile       = "chain.json"
	eventsStateFile      = "events.json"
)

// node is one in-process deployment of the prediction engine.
type node struct {
	contract  common.Address
	netKey    *fhe.NetworkKey
	inputKeys *inputs.Keys
	cop       *fhe.Coprocessor
	chain     *chain.Chain
	engine    *ledger.Engine
	events    *ledger.EventLog
	relayer   *relayer.Relayer
}

func newNode(cfg *Config, netKey *fhe.NetworkKey, keys *inputs.Keys, sinks ...chain.LogSink) (*node, error) {
	chainID := big.NewInt(cfg.Chain.ChainID)
	contract := common.HexToAddress(cfg.Chain.Contract)
	copAddr := common.HexToAddress(cfg.Chain.Coprocessor)

	cop, err := fhe.NewCoprocessor(fhe.Config{ChainID: chainID, Address: copAddr}, netKey, inputs.NewVerifier(keys.VK, netKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create coprocessor: %w", err)
	}

	events := ledger.NewEventLog(contract)
	opts := []chain.Option{chain.WithSink(events)}
	for _, s := range sinks {
		opts = append(opts, chain.WithSink(s))
	}

	domain := relayer.Domain{
		Name:              cfg.Chain.DomainName,
		Version:           cfg.Chain.DomainVersion,
		ChainID:           chainID,
		VerifyingContract: copAddr,
	}

	return &node{
		contract:  contract,
		netKey:    netKey,
		inputKeys: keys,
		cop:       cop,
		chain:     chain.New(chainID, cop, opts...),
		engine:    ledger.NewEngine(contract, cop),
		events:    events,
		relayer:   relayer.New(domain, cop),
	}, nil
}

// loadState restores the coprocessor, engine, chain accounts and event log
// from dir. Missing files leave the node empty and report false.
func (n *node) loadState(dir string) (bool, error) {
	copPath := filepath.Join(dir, coprocessorStateFile)
	if _, err := os.Stat(copPath); errors.Is(err, os.ErrNotExist) {
		return false, nil
	}

	st, err := chain.LoadStateFromFile(filepath.Join(dir, chainStateFile))
	if err != nil {
		return false, fmt.Errorf("chain state: %w", err)
	}
	err = n.chain.View(func() error {
		if err := n.cop.LoadFromFile(copPath); err != nil {
			return fmt.Errorf("coprocessor state: %w", err)
		}
		if err := n.engine.LoadFromFile(filepath.Join(dir, ledgerStateFile), n.cop); err != nil {
			return fmt.Errorf("ledger state: %w", err)
		}
		if err := n.events.LoadFromFile(filepath.Join(dir, eventsStateFile)); err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if err := n.chain.Restore(st); err != nil {
		return false, fmt.Errorf("chain state: %w", err)
	}
	return true, nil
}

// saveState writes every snapshot between two calls so they agree.
func (n *node) saveState(dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	return n.chain.Checkpoint(func(st *chain.State) error {
		if err := writeAtomic(filepath.Join(dir, coprocessorStateFile), n.cop.SaveToFile); err != nil {
			return fmt.Errorf("coprocessor state: %w", err)
		}
		if err := writeAtomic(filepath.Join(dir, ledgerStateFile), n.engine.SaveToFile); err != nil {
			return fmt.Errorf("ledger state: %w", err)
		}
		if err := writeAtomic(filepath.Join(dir, eventsStateFile), n.events.SaveToFile); err != nil {
			return fmt.Errorf("event log: %w", err)
		}
		if err := writeAtomic(filepath.Join(dir, chainStateFile), st.SaveToFile); err != nil {
			return fmt.Errorf("chain state: %w", err)
		}
		return nil
	})
}

func writeAtomic(path string, save func(string) error) error {
	tmp := path + ".tmp"
	if err := save(tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// encryptInput produces a proven encrypted input bound to owner and the
// engine contract.
func (n *node) encryptInput(value uint64, t fhe.Type, owner common.Address) (*inputs.EncryptedInput, error) {
	return inputs.Encrypt(n.inputKeys, &n.netKey.Pk, value, t, owner, n.contract)
}

func (n *node) createPrediction(from common.Address, name string, options []string) (uint64, *chain.Receipt, error) {
	var id uint64
	rcpt, err := n.chain.Transact(from, n.contract, nil, func(ctx *chain.Context) error {
		var err error
		id, err = n.engine.CreatePrediction(ctx, name, options)
		return err
	})
	return id, rcpt, err
}

func (n *node) placeBet(from common.Address, id uint64, stake *big.Int, in *inputs.EncryptedInput) (*chain.Receipt, error) {
	return n.chain.Transact(from, n.contract, stake, func(ctx *chain.Context) error {
		return n.engine.PlaceEncryptedBet(ctx, id, in.Handle, in.Proof)
	})
}
