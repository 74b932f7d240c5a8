package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Mindburn-Labs/helm-firewall/pkg/api"
	"github.com/Mindburn-Labs/helm-firewall/pkg/callhash"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/config"
	"github.com/Mindburn-Labs/helm-firewall/pkg/crypto"
	"github.com/Mindburn-Labs/helm-firewall/pkg/policy/approvedcalls"
)

// now is stubbed in tests.
var now = time.Now

func writeJSON(w io.Writer, v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Fprintln(w, string(data))
}

func parseAddress(name, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("--%s must be a hex address, got %q", name, v)
	}
	return common.HexToAddress(v), nil
}

// resolveSigner loads an explicit key, or derives one from seed and label.
func resolveSigner(keyHex, seed, label string) (*crypto.KeySigner, error) {
	if keyHex != "" {
		return crypto.NewKeySignerFromHex(keyHex)
	}
	if seed == "" {
		seed = os.Getenv("DEV_SEED")
	}
	if seed == "" {
		return nil, errors.New("one of --key, --seed or DEV_SEED is required")
	}
	return crypto.DeriveSigner([]byte(seed), label)
}

func runHashCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("hash", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var consumer, sender, origin, data, value string
	cmd.StringVar(&consumer, "consumer", "", "Protected contract address (REQUIRED)")
	cmd.StringVar(&sender, "sender", "", "Immediate caller of the consumer (REQUIRED)")
	cmd.StringVar(&origin, "origin", "", "Transaction origin (default: sender)")
	cmd.StringVar(&data, "data", "0x", "Calldata, 0x-prefixed hex")
	cmd.StringVar(&value, "value", "0", "Value available to the call")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if origin == "" {
		origin = sender
	}

	call := callhash.Call{}
	var err error
	if call.Consumer, err = parseAddress("consumer", consumer); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if call.Sender, err = parseAddress("sender", sender); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if call.Origin, err = parseAddress("origin", origin); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if call.Data, err = hexutil.Decode(data); err != nil {
		fmt.Fprintf(stderr, "Error: --data: %v\n", err)
		return 2
	}
	if call.Value, err = chain.ParseAmount(value); err != nil {
		fmt.Fprintf(stderr, "Error: --value: %v\n", err)
		return 2
	}
	fmt.Fprintln(stdout, callhash.Hash(call).Hex())
	return 0
}

func runSignCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("sign", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var (
		keyHex, seed, label    string
		policyAddr, origin     string
		hashes                 string
		chainID, nonce, expiry uint64
		ttl                    time.Duration
		inOrder                bool
	)
	cmd.StringVar(&keyHex, "key", "", "Signer private key (hex)")
	cmd.StringVar(&seed, "seed", "", "Derive the signer from this seed (default DEV_SEED)")
	cmd.StringVar(&label, "label", "signer", "Account label used with --seed")
	cmd.StringVar(&policyAddr, "policy", "", "Approved calls policy address (REQUIRED)")
	cmd.StringVar(&origin, "origin", "", "Transaction origin the batch is bound to (REQUIRED)")
	cmd.StringVar(&hashes, "hashes", "", "Comma-separated call hashes, last consumed first (REQUIRED)")
	cmd.Uint64Var(&chainID, "chain-id", 0, "Chain id (default CHAIN_ID)")
	cmd.Uint64Var(&nonce, "nonce", 0, "Signer nonce")
	cmd.Uint64Var(&expiry, "expiration", 0, "Expiration as unix seconds (default now + --ttl)")
	cmd.DurationVar(&ttl, "ttl", 5*time.Minute, "Validity window when --expiration is unset")
	cmd.BoolVar(&inOrder, "in-order", false, "--hashes are listed in execution order")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if policyAddr == "" || origin == "" || hashes == "" {
		fmt.Fprintln(stderr, "Error: --policy, --origin, and --hashes are required")
		cmd.Usage()
		return 2
	}

	signer, err := resolveSigner(keyHex, seed, label)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	policy, err := parseAddress("policy", policyAddr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	a := approvedcalls.Approval{Nonce: nonce, Expiration: expiry}
	if a.TxOrigin, err = parseAddress("origin", origin); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	for _, h := range strings.Split(hashes, ",") {
		h = strings.TrimSpace(h)
		b, err := hexutil.Decode(h)
		if err != nil || len(b) != common.HashLength {
			fmt.Fprintf(stderr, "Error: invalid call hash %q\n", h)
			return 2
		}
		a.CallHashes = append(a.CallHashes, common.BytesToHash(b))
	}
	if inOrder {
		a.CallHashes = approvedcalls.ExecutionOrder(a.CallHashes)
	}
	if a.Expiration == 0 {
		a.Expiration = uint64(now().Add(ttl).Unix())
	}
	if chainID == 0 {
		chainID = config.Load().ChainID
	}

	sig, err := approvedcalls.SignApproval(signer, a, policy, chainID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: sign approval: %v\n", err)
		return 1
	}
	calldata, err := approvedcalls.EncodeApproveCallsViaSignature(a, sig)
	if err != nil {
		fmt.Fprintf(stderr, "Error: encode approval: %v\n", err)
		return 1
	}
	writeJSON(stdout, map[string]any{
		"signer":    signer.Address().Hex(),
		"policy":    policy.Hex(),
		"chain_id":  chainID,
		"approval":  a,
		"signature": hexutil.Encode(sig),
		"calldata":  hexutil.Encode(calldata),
	})
	return 0
}

func runKeygenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("keygen", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var seed, label string
	var reveal bool
	cmd.StringVar(&seed, "seed", "", "Derive deterministically from this seed (default: random key)")
	cmd.StringVar(&label, "label", "signer", "Account label used with --seed")
	cmd.BoolVar(&reveal, "reveal", false, "Print the private key")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	var (
		signer *crypto.KeySigner
		err    error
	)
	if seed != "" {
		signer, err = crypto.DeriveSigner([]byte(seed), label)
	} else {
		signer, err = crypto.NewKeySigner()
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	out := map[string]string{"address": signer.Address().Hex()}
	if seed != "" {
		out["label"] = config.Label(label)
	}
	if reveal || seed == "" {
		out["private_key"] = signer.PrivateKeyHex()
	}
	writeJSON(stdout, out)
	return 0
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	var secret, origin, seed, label string
	var ttl time.Duration
	cmd.StringVar(&secret, "secret", os.Getenv("JWT_SECRET"), "HMAC secret (default JWT_SECRET)")
	cmd.StringVar(&origin, "origin", "", "Origin address the token speaks for")
	cmd.StringVar(&seed, "seed", "", "Derive the origin from this seed instead")
	cmd.StringVar(&label, "label", "relayer", "Account label used with --seed")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if secret == "" {
		fmt.Fprintln(stderr, "Error: --secret or JWT_SECRET is required")
		return 2
	}

	var addr common.Address
	if origin != "" {
		a, err := parseAddress("origin", origin)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		addr = a
	} else {
		s, err := resolveSigner("", seed, label)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		addr = s.Address()
	}

	tok, err := api.IssueToken([]byte(secret), addr, ttl, now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, tok)
	return 0
}
