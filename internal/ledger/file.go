package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"airdrop/internal/model"
)

const (
	lockStripes = 64
	tmpPrefix   = ".tmp-"
)

// FileLedger stores one JSON document per distribution in a directory.
//
// Reserve writes a complete temp file and hard-links it to the final name, which fails if the
// name exists, so create-if-absent is atomic. Transitions rewrite the record through
// temp+rename. Operations on the same identity are serialized by a striped lock; different
// identities only contend when they hash to the same stripe.
type FileLedger struct {
	dir   string
	locks [lockStripes]sync.Mutex
	now   func() time.Time
}

// OpenFileLedger prepares dir and removes temp files left by an interrupted write.
func OpenFileLedger(dir string) (*FileLedger, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("ledger dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), tmpPrefix) {
			_ = os.Remove(filepath.Join(dir, entry.Name()))
		}
	}
	return &FileLedger{dir: dir, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (l *FileLedger) Lookup(ctx context.Context, id model.EventID) (*model.DistributionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return l.read(id)
}

func (l *FileLedger) Reserve(ctx context.Context, id model.EventID, recipient common.Address, amount *big.Int) (*model.DistributionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mu := l.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec := NewRecord(id, recipient, amount, l.now())
	tmp, err := l.writeTemp(rec)
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, l.path(id)); err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, id)
		}
		return nil, fmt.Errorf("link ledger record: %w", err)
	}
	if err := syncDir(l.dir); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (l *FileLedger) MarkSubmitted(ctx context.Context, id model.EventID, sub model.Submission) (*model.DistributionRecord, error) {
	return l.update(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ApplySubmitted(rec, sub, now)
	})
}

func (l *FileLedger) MarkConfirmed(ctx context.Context, id model.EventID, block uint64) (*model.DistributionRecord, error) {
	return l.update(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ApplyConfirmed(rec, block, now)
	})
}

func (l *FileLedger) MarkFailed(ctx context.Context, id model.EventID, reason string) (*model.DistributionRecord, error) {
	return l.update(ctx, id, func(rec *model.DistributionRecord, now time.Time) error {
		return ApplyFailed(rec, reason, now)
	})
}

func (l *FileLedger) ListOpen(ctx context.Context) ([]*model.DistributionRecord, error) {
	return l.scan(ctx, func(rec *model.DistributionRecord) bool {
		return !rec.Status.Terminal()
	})
}

func (l *FileLedger) FindByRecipient(ctx context.Context, recipient common.Address) ([]*model.DistributionRecord, error) {
	return l.scan(ctx, func(rec *model.DistributionRecord) bool {
		return rec.Recipient == recipient
	})
}

func (l *FileLedger) update(ctx context.Context, id model.EventID, apply func(*model.DistributionRecord, time.Time) error) (*model.DistributionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mu := l.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	rec, err := l.read(id)
	if err != nil {
		return nil, err
	}
	if err := apply(rec, l.now()); err != nil {
		return nil, fmt.Errorf("%s: %w", id, err)
	}

	tmp, err := l.writeTemp(rec)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, l.path(id)); err != nil {
		os.Remove(tmp)
		return nil, fmt.Errorf("rename ledger record: %w", err)
	}
	if err := syncDir(l.dir); err != nil {
		return nil, err
	}
	return rec.Clone(), nil
}

func (l *FileLedger) scan(ctx context.Context, keep func(*model.DistributionRecord) bool) ([]*model.DistributionRecord, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read ledger dir: %w", err)
	}
	out := make([]*model.DistributionRecord, 0)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		rec, err := readRecord(filepath.Join(l.dir, name))
		if err != nil {
			return nil, err
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, nil
}

func (l *FileLedger) read(id model.EventID) (*model.DistributionRecord, error) {
	rec, err := readRecord(l.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	return rec, nil
}

func (l *FileLedger) writeTemp(rec *model.DistributionRecord) (string, error) {
	data, err := json.MarshalIndent(toFileRecord(rec), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal ledger record: %w", err)
	}
	file, err := os.CreateTemp(l.dir, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create ledger tmp: %w", err)
	}
	name := file.Name()
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(name)
		return "", fmt.Errorf("write ledger tmp: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync ledger tmp: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close ledger tmp: %w", err)
	}
	return name, nil
}

func (l *FileLedger) path(id model.EventID) string {
	name := fmt.Sprintf("%020d-%s-%06d.json", id.BlockNumber, strings.TrimPrefix(id.TxHash.Hex(), "0x"), id.LogIndex)
	return filepath.Join(l.dir, name)
}

func (l *FileLedger) lockFor(id model.EventID) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id.String()))
	return &l.locks[h.Sum32()%lockStripes]
}

func readRecord(path string) (*model.DistributionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var fr fileRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("parse ledger record %s: %w", filepath.Base(path), err)
	}
	rec, err := fr.toModel()
	if err != nil {
		return nil, fmt.Errorf("decode ledger record %s: %w", filepath.Base(path), err)
	}
	return rec, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open ledger dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync ledger dir: %w", err)
	}
	return nil
}
