// demo.go - In-process Weather scenario with proven inputs and decryption
package main

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"encledger/internal/fhe"
	"encledger/internal/ledger"
	"encledger/internal/relayer"
)

var ether = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

func milliEther(n int64) *big.Int {
	return new(big.Int).Div(new(big.Int).Mul(big.NewInt(n), ether), big.NewInt(1000))
}

// runDemo plays the Weather market: Alice bets on Rainy, Bob on Sunny, Alice
// tries a second bet and Carol never bets. Totals are revealed through the
// public path and Alice's own bet through a signed user request.
func runDemo(n *node, log *Logger) error {
	log.Info("=== Confidential prediction ledger: Weather scenario ===")

	var users [3]*relayer.Signer
	for i := range users {
		s, err := relayer.GenerateSigner()
		if err != nil {
			return err
		}
		if err := n.chain.Fund(s.Address(), new(big.Int).Mul(big.NewInt(10), ether)); err != nil {
			return err
		}
		users[i] = s
	}
	alice, bob, carol := users[0], users[1], users[2]

	id, rcpt, err := n.createPrediction(alice.Address(), "Weather", []string{"Sunny", "Rainy"})
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	log.Info("Alice created prediction %d in tx %s (gas %d)", id, rcpt.TxHash.Hex(), rcpt.GasUsed)

	bets := []struct {
		name      string
		user      *relayer.Signer
		selection uint64
		stake     *big.Int
	}{
		{"Alice", alice, 1, milliEther(500)},
		{"Bob", bob, 0, milliEther(300)},
	}
	for _, b := range bets {
		start := time.Now()
		in, err := n.encryptInput(b.selection, fhe.EUint8, b.user.Address())
		if err != nil {
			return fmt.Errorf("encrypt %s's selection: %w", b.name, err)
		}
		log.Info("%s encrypted a selection in %s, handle %s", b.name, time.Since(start).Round(time.Millisecond), in.Handle)

		rcpt, err := n.placeBet(b.user.Address(), id, b.stake, in)
		if err != nil {
			return fmt.Errorf("%s's bet: %w", b.name, err)
		}
		log.Info("%s staked %s wei in tx %s (gas %d)", b.name, b.stake, rcpt.TxHash.Hex(), rcpt.GasUsed)
	}

	again, err := n.encryptInput(0, fhe.EUint8, alice.Address())
	if err != nil {
		return err
	}
	if _, err := n.placeBet(alice.Address(), id, milliEther(100), again); !errors.Is(err, ledger.ErrBetAlreadyPlaced) {
		return fmt.Errorf("second bet by Alice: expected %v, got %v", ledger.ErrBetAlreadyPlaced, err)
	}
	log.Info("Alice's second bet was rejected: %v", ledger.ErrBetAlreadyPlaced)

	none, err := n.engine.GetUserBet(id, carol.Address())
	if err != nil {
		return err
	}
	log.Info("Carol has no bet: exists=%t", none.Exists)

	totals, err := n.engine.GetEncryptedTotals(id)
	if err != nil {
		return err
	}
	public, err := n.relayer.PublicDecrypt(append(append([]fhe.Handle{}, totals.Options...), totals.Pool))
	if err != nil {
		return fmt.Errorf("public decryption: %w", err)
	}
	options := []string{"Sunny", "Rainy"}
	for i, v := range public.Values[:len(options)] {
		log.Info("Total on %s: %d wei", options[i], v.Value)
	}
	log.Info("Pool: %d wei", public.Values[len(options)].Value)

	ub, err := n.engine.GetUserBet(id, alice.Address())
	if err != nil {
		return err
	}
	req := relayer.UserDecryptRequest{
		User:           alice.Address(),
		Contract:       n.contract,
		Handles:        []fhe.Handle{ub.Amount, ub.Selection},
		StartTimestamp: time.Now().Add(-time.Minute).Unix(),
		DurationDays:   1,
	}
	sig, err := alice.SignUserDecrypt(n.relayer.Domain(), req)
	if err != nil {
		return err
	}
	own, err := n.relayer.UserDecrypt(req, sig)
	if err != nil {
		return fmt.Errorf("user decryption: %w", err)
	}
	log.Info("Alice decrypted her bet (request %s): amount=%d selection=%s",
		own.RequestID, own.Values[0].Value, options[own.Values[1].Value])

	if _, err := n.relayer.UserDecrypt(relayer.UserDecryptRequest{
		User: bob.Address(), Contract: n.contract, Handles: req.Handles,
		StartTimestamp: req.StartTimestamp, DurationDays: 1,
	}, sig); err == nil {
		return errors.New("bob decrypted alice's bet")
	}
	log.Info("Bob cannot decrypt Alice's bet")

	log.Info("=== Scenario complete: %d ciphertexts, block %d ===", n.cop.Stats().Handles, n.chain.BlockNumber())
	return nil
}
