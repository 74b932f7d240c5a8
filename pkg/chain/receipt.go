package chain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"

	"github.com/Mindburn-Labs/helm-firewall/pkg/canonicalize"
)

const (
	StatusSuccess  = "success"
	StatusReverted = "reverted"
)

// Log is an event emitted by a contract.
type Log struct {
	Address common.Address `json:"address"`
	Event   string         `json:"event"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Receipt is the sealed outcome of a transaction. Receipts form a hash
// chain: each one commits to the hash of its predecessor.
type Receipt struct {
	ID          string          `json:"id"`
	BlockNumber uint64          `json:"block_number"`
	ChainID     uint64          `json:"chain_id"`
	Origin      common.Address  `json:"origin"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Outputs     []hexutil.Bytes `json:"outputs,omitempty"`
	Logs        []Log           `json:"logs,omitempty"`
	PrevHash    string          `json:"prev_hash"`
	Hash        string          `json:"hash,omitempty"`
}

// ComputeHash returns the canonical hash of r with its Hash field cleared.
func (r *Receipt) ComputeHash() (string, error) {
	unsealed := *r
	unsealed.Hash = ""
	return canonicalize.CanonicalHash(unsealed)
}

// Verify checks that r is sealed with its own content hash.
func (r *Receipt) Verify() error {
	h, err := r.ComputeHash()
	if err != nil {
		return err
	}
	if h != r.Hash {
		return fmt.Errorf("chain: receipt %s hash mismatch: have %s, computed %s", r.ID, r.Hash, h)
	}
	return nil
}

// Succeeded reports whether the transaction was committed.
func (r *Receipt) Succeeded() bool { return r.Status == StatusSuccess }

// VerifyChain checks that receipts, ordered by block number, link together.
func VerifyChain(receipts []*Receipt) error {
	for i, r := range receipts {
		if err := r.Verify(); err != nil {
			return err
		}
		if i > 0 && r.PrevHash != receipts[i-1].Hash {
			return fmt.Errorf("chain: receipt %s does not link to %s", r.ID, receipts[i-1].ID)
		}
	}
	return nil
}

func (c *Chain) seal(tx *Tx, outputs [][]byte, execErr error) (*Receipt, error) {
	r := &Receipt{
		ID:          fmt.Sprintf("%d-%d", c.chainID, tx.block),
		BlockNumber: tx.block,
		ChainID:     c.chainID,
		Origin:      tx.origin,
		Timestamp:   tx.time,
		Status:      StatusSuccess,
		PrevHash:    c.head,
	}
	if execErr != nil {
		r.Status = StatusReverted
		r.Reason = execErr.Error()
	} else {
		r.Logs = tx.logs
		for _, out := range outputs {
			r.Outputs = append(r.Outputs, hexutil.Bytes(out))
		}
	}
	h, err := r.ComputeHash()
	if err != nil {
		return nil, fmt.Errorf("chain: seal receipt: %w", err)
	}
	r.Hash = h
	c.head = h
	return r, nil
}

func newLog(contract common.Address, event string, kv []any) Log {
	l := Log{Address: contract, Event: event}
	if len(kv) == 0 {
		return l
	}
	l.Fields = make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			key = fmt.Sprint(kv[i])
		}
		l.Fields[key] = logValue(kv[i+1])
	}
	return l
}

// logValue converts field values into JSON-stable scalars.
func logValue(v any) any {
	switch t := v.(type) {
	case common.Address:
		return t.Hex()
	case common.Hash:
		return t.Hex()
	case []common.Hash:
		out := make([]string, len(t))
		for i, h := range t {
			out[i] = h.Hex()
		}
		return out
	case *uint256.Int:
		if t == nil {
			return "0"
		}
		return t.Dec()
	case []byte:
		return hexutil.Encode(t)
	case fmt.Stringer:
		return t.String()
	case uint64:
		return fmt.Sprint(t)
	default:
		return v
	}
}
