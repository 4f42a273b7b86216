// Package ledger is the durable store of open positions. A position
// records the cost basis of a token entry; live value is always
// derived from the chain at display time, never stored here.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gofrs/flock"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	zaperr "github.com/NimaZeighami/Uniswap-V2-Zapper/internal/errors"
)

// FullExitBps removes the position entirely; any smaller fraction
// leaves the cost basis untouched.
const FullExitBps = 10000

// Position is one open cost-basis record. The identity key is the
// checksummed token address; the store holds at most one position per
// token.
type Position struct {
	TokenAddress     string          `json:"tokenAddress"`
	PairAddress      string          `json:"pairAddress"`
	InitialBaseValue decimal.Decimal `json:"initialEthValue"`
	InitialMarketCap decimal.Decimal `json:"initialMarketCap"`
	Timestamp        time.Time       `json:"timestamp"`
}

// Store persists the ordered position collection in sqlite. Every
// mutation rewrites the whole collection inside one transaction; the
// design assumes a single writer process, with an advisory file lock
// to fail fast if a second one appears.
type Store struct {
	db     *sql.DB
	lock   *flock.Flock
	logger *zap.Logger
	now    func() time.Time
}

func Open(path, lockPath string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, zaperr.Wrap(zaperr.CodePersistence, "create ledger directory", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, zaperr.Wrap(zaperr.CodePersistence, "create ledger lock directory", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodePersistence, "open ledger sqlite", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		`CREATE TABLE IF NOT EXISTS positions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			token TEXT NOT NULL UNIQUE,
			payload BLOB NOT NULL
		);`,
	}
	for _, q := range queries {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, zaperr.Wrap(zaperr.CodePersistence, "init ledger schema", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath), logger: logger, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Normalize converts an address to its canonical checksummed form, the
// ledger's identity key.
func Normalize(address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", zaperr.New(zaperr.CodeUsage, fmt.Sprintf("invalid address %q", address))
	}
	return common.HexToAddress(address).Hex(), nil
}

// RecordEntry appends a new position for an unseen token, or merges
// into the existing one by value-weighted average of market cap so a
// larger later entry is not dominated by a stale earlier snapshot.
func (s *Store) RecordEntry(ctx context.Context, tokenAddress, pairAddress string, baseAmount, marketCap decimal.Decimal) error {
	token, err := Normalize(tokenAddress)
	if err != nil {
		return err
	}
	pair, err := Normalize(pairAddress)
	if err != nil {
		return err
	}
	if baseAmount.Sign() <= 0 {
		return zaperr.New(zaperr.CodeUsage, "entry amount must be positive")
	}

	return s.mutate(ctx, func(positions []Position) ([]Position, error) {
		for i := range positions {
			if positions[i].TokenAddress != token {
				continue
			}
			oldBase := positions[i].InitialBaseValue
			newBase := oldBase.Add(baseAmount)
			weighted := positions[i].InitialMarketCap.Mul(oldBase).
				Add(marketCap.Mul(baseAmount)).
				Div(newBase)
			positions[i].InitialBaseValue = newBase
			positions[i].InitialMarketCap = weighted
			positions[i].Timestamp = s.now()
			s.logger.Info("merged position entry",
				zap.String("token", token),
				zap.String("base_value", newBase.String()),
				zap.String("market_cap", weighted.String()))
			return positions, nil
		}
		positions = append(positions, Position{
			TokenAddress:     token,
			PairAddress:      pair,
			InitialBaseValue: baseAmount,
			InitialMarketCap: marketCap,
			Timestamp:        s.now(),
		})
		s.logger.Info("recorded new position", zap.String("token", token))
		return positions, nil
	})
}

// RecordExit removes the position on a full exit. A partial exit
// leaves the cost basis untouched: current value is derived live from
// reserves at display time.
func (s *Store) RecordExit(ctx context.Context, tokenAddress string, exitFractionBps int64) error {
	token, err := Normalize(tokenAddress)
	if err != nil {
		return err
	}
	if exitFractionBps <= 0 || exitFractionBps > FullExitBps {
		return zaperr.New(zaperr.CodeUsage, fmt.Sprintf("exit fraction must be in (0, %d] bps", FullExitBps))
	}
	if exitFractionBps != FullExitBps {
		return nil
	}

	return s.mutate(ctx, func(positions []Position) ([]Position, error) {
		kept := positions[:0]
		for _, p := range positions {
			if p.TokenAddress == token {
				s.logger.Info("closed position", zap.String("token", token))
				continue
			}
			kept = append(kept, p)
		}
		return kept, nil
	})
}

// List returns the open positions in insertion order. An empty store
// is an empty list, not an error.
func (s *Store) List(ctx context.Context) ([]Position, error) {
	return s.readAll(ctx)
}

// Get returns the position for a token, if any.
func (s *Store) Get(ctx context.Context, tokenAddress string) (Position, bool, error) {
	token, err := Normalize(tokenAddress)
	if err != nil {
		return Position{}, false, err
	}
	positions, err := s.readAll(ctx)
	if err != nil {
		return Position{}, false, err
	}
	for _, p := range positions {
		if p.TokenAddress == token {
			return p, true, nil
		}
	}
	return Position{}, false, nil
}

// mutate runs a read-modify-write of the whole collection under the
// advisory lock. A failed write surfaces to the caller: silently
// losing position history is a correctness bug, not a UX one.
func (s *Store) mutate(ctx context.Context, apply func([]Position) ([]Position, error)) error {
	locked, err := s.lock.TryLockContext(ctx, 5*time.Second)
	if err != nil {
		return zaperr.Wrap(zaperr.CodePersistence, "lock ledger", err)
	}
	if !locked {
		return zaperr.New(zaperr.CodePersistence, "lock ledger: timeout acquiring lock")
	}
	defer func() { _ = s.lock.Unlock() }()

	positions, err := s.readAll(ctx)
	if err != nil {
		return err
	}
	updated, err := apply(positions)
	if err != nil {
		return err
	}
	return s.writeAll(ctx, updated)
}

func (s *Store) readAll(ctx context.Context) ([]Position, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT payload FROM positions ORDER BY seq ASC")
	if err != nil {
		return nil, zaperr.Wrap(zaperr.CodePersistence, "read ledger", err)
	}
	defer rows.Close()

	positions := make([]Position, 0)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, zaperr.Wrap(zaperr.CodePersistence, "scan ledger row", err)
		}
		var p Position
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, zaperr.Wrap(zaperr.CodePersistence, "decode ledger row", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, zaperr.Wrap(zaperr.CodePersistence, "iterate ledger rows", err)
	}
	return positions, nil
}

func (s *Store) writeAll(ctx context.Context, positions []Position) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zaperr.Wrap(zaperr.CodePersistence, "begin ledger write", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM positions"); err != nil {
		return zaperr.Wrap(zaperr.CodePersistence, "clear ledger", err)
	}
	for _, p := range positions {
		payload, err := json.Marshal(p)
		if err != nil {
			return zaperr.Wrap(zaperr.CodePersistence, "encode position", err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO positions (token, payload) VALUES (?, ?)", p.TokenAddress, payload); err != nil {
			return zaperr.Wrap(zaperr.CodePersistence, "write position", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return zaperr.Wrap(zaperr.CodePersistence, "commit ledger write", err)
	}
	return nil
}
