package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/helm-firewall/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm-firewall/pkg/chain"
	"github.com/Mindburn-Labs/helm-firewall/pkg/store"
)

var ErrEmptyExport = errors.New("artifacts: no receipts to export")

// BundleEntry points at one exported receipt.
type BundleEntry struct {
	ID    string `json:"id"`
	Block uint64 `json:"block"`
	Hash  string `json:"hash"`
	Ref   string `json:"ref"`
}

// Bundle is the manifest of an export. Receipts are listed in block order
// and link to each other through their prev_hash.
type Bundle struct {
	ChainID    uint64        `json:"chain_id"`
	FromBlock  uint64        `json:"from_block"`
	ToBlock    uint64        `json:"to_block"`
	Head       string        `json:"head"`
	ExportedAt time.Time     `json:"exported_at"`
	Receipts   []BundleEntry `json:"receipts"`
}

// Exporter copies receipts from a receipt store into blob storage.
type Exporter struct {
	receipts store.ReceiptStore
	blobs    Store
	now      func() time.Time
}

func NewExporter(receipts store.ReceiptStore, blobs Store) *Exporter {
	return &Exporter{receipts: receipts, blobs: blobs, now: func() time.Time { return time.Now().UTC() }}
}

// Export writes every receipt after afterBlock and a manifest describing
// them. It returns the manifest reference. Receipts whose hash chain does not
// verify are not exported.
func (e *Exporter) Export(ctx context.Context, afterBlock uint64) (string, *Bundle, error) {
	receipts, err := e.receipts.List(ctx, afterBlock, 0)
	if err != nil {
		return "", nil, fmt.Errorf("list receipts: %w", err)
	}
	if len(receipts) == 0 {
		return "", nil, ErrEmptyExport
	}
	if err := chain.VerifyChain(receipts); err != nil {
		return "", nil, err
	}

	b := &Bundle{
		ChainID:    receipts[0].ChainID,
		FromBlock:  receipts[0].BlockNumber,
		ToBlock:    receipts[len(receipts)-1].BlockNumber,
		Head:       receipts[len(receipts)-1].Hash,
		ExportedAt: e.now(),
	}
	for _, r := range receipts {
		data, err := canonicalize.JCS(r)
		if err != nil {
			return "", nil, err
		}
		ref, err := e.blobs.Put(ctx, data)
		if err != nil {
			return "", nil, fmt.Errorf("store receipt %s: %w", r.ID, err)
		}
		b.Receipts = append(b.Receipts, BundleEntry{ID: r.ID, Block: r.BlockNumber, Hash: r.Hash, Ref: ref})
	}
	manifest, err := canonicalize.JCS(b)
	if err != nil {
		return "", nil, err
	}
	ref, err := e.blobs.Put(ctx, manifest)
	if err != nil {
		return "", nil, fmt.Errorf("store manifest: %w", err)
	}
	return ref, b, nil
}

// Load reads the bundle at ref, fetches its receipts and verifies both the
// content addresses and the receipt hash chain.
func Load(ctx context.Context, blobs Store, ref string) (*Bundle, []*chain.Receipt, error) {
	raw, err := blobs.Get(ctx, ref)
	if err != nil {
		return nil, nil, err
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	receipts := make([]*chain.Receipt, 0, len(b.Receipts))
	for _, entry := range b.Receipts {
		data, err := blobs.Get(ctx, entry.Ref)
		if err != nil {
			return nil, nil, err
		}
		if Ref(data) != entry.Ref {
			return nil, nil, fmt.Errorf("artifacts: blob %s does not match its content", entry.Ref)
		}
		var r chain.Receipt
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, nil, fmt.Errorf("decode receipt %s: %w", entry.ID, err)
		}
		if r.Hash != entry.Hash {
			return nil, nil, fmt.Errorf("artifacts: receipt %s hash %s, manifest says %s", entry.ID, r.Hash, entry.Hash)
		}
		receipts = append(receipts, &r)
	}
	if err := chain.VerifyChain(receipts); err != nil {
		return nil, nil, err
	}
	return &b, receipts, nil
}
