package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ugorji/go/codec"

	"github.com/sardislabs/sardisd/internal/storage/entrystore"
)

// Journal key prefixes. Entry keys order by sequence so prefix scans
// replay the chain in commit order.
const (
	entryKeyPrefix      = "e/"
	txKeyPrefix         = "t/"
	checkpointKeyPrefix = "c/"
)

var cborHandle codec.CborHandle

// entryRecord is the wire form of an Entry. Amounts travel as strings to
// keep the encoding independent of decimal internals.
type entryRecord struct {
	ID            string `codec:"id"`
	TxID          string `codec:"tx_id"`
	Type          string `codec:"type"`
	Status        string `codec:"status"`
	WalletID      string `codec:"wallet_id"`
	Currency      string `codec:"currency"`
	Amount        string `codec:"amount"`
	CounterpartID string `codec:"counterpart_id,omitempty"`
	Description   string `codec:"description,omitempty"`
	Sequence      uint64 `codec:"sequence"`
	PrevChecksum  string `codec:"prev_checksum"`
	Checksum      string `codec:"checksum"`
	CreatedAt     int64  `codec:"created_at"`
}

// txRecord is the wire form of a Transaction, minus the entries which are
// stored under their own keys.
type txRecord struct {
	ID        string   `codec:"id"`
	Type      string   `codec:"type"`
	RefTxID   string   `codec:"ref_tx_id,omitempty"`
	Amount    string   `codec:"amount"`
	Currency  string   `codec:"currency"`
	PaymentID string   `codec:"payment_id,omitempty"`
	ExpiresAt int64    `codec:"expires_at,omitempty"`
	EntrySeqs []uint64 `codec:"entry_seqs"`
	CreatedAt int64    `codec:"created_at"`
}

// checkpointRecord is the wire form of a Checkpoint.
type checkpointRecord struct {
	ID           string                       `codec:"id"`
	PeriodStart  int64                        `codec:"period_start"`
	PeriodEnd    int64                        `codec:"period_end"`
	LastSequence uint64                       `codec:"last_sequence"`
	LastChecksum string                       `codec:"last_checksum"`
	Balances     map[string]map[string]string `codec:"balances"`
	EntryCount   uint64                       `codec:"entry_count"`
	Volume       map[string]string            `codec:"volume"`
	Checksum     string                       `codec:"checksum"`
	CreatedAt    int64                        `codec:"created_at"`
}

// txMeta is the in-memory transaction index entry rebuilt from txRecords.
type txMeta struct {
	ID        string
	Type      TxType
	RefTxID   string
	Amount    decimal.Decimal
	Currency  string
	PaymentID string
	ExpiresAt time.Time
	EntrySeqs []uint64
	CreatedAt time.Time
}

// journal persists ledger records through an entrystore backend using CBOR.
type journal struct {
	backend entrystore.Backend
}

func newJournal(backend entrystore.Backend) *journal {
	return &journal{backend: backend}
}

func entryKey(seq uint64) []byte {
	key := make([]byte, len(entryKeyPrefix)+8)
	copy(key, entryKeyPrefix)
	binary.BigEndian.PutUint64(key[len(entryKeyPrefix):], seq)
	return key
}

func txKey(id string) []byte {
	return []byte(txKeyPrefix + id)
}

func checkpointKey(lastSeq uint64) []byte {
	key := make([]byte, len(checkpointKeyPrefix)+8)
	copy(key, checkpointKeyPrefix)
	binary.BigEndian.PutUint64(key[len(checkpointKeyPrefix):], lastSeq)
	return key
}

func marshalRecord(v interface{}) ([]byte, error) {
	var buf []byte
	if err := codec.NewEncoderBytes(&buf, &cborHandle).Encode(v); err != nil {
		return nil, fmt.Errorf("journal encode: %w", err)
	}
	return buf, nil
}

func unmarshalRecord(data []byte, v interface{}) error {
	if err := codec.NewDecoderBytes(data, &cborHandle).Decode(v); err != nil {
		return fmt.Errorf("journal decode: %w", entrystore.ErrDataCorrupt)
	}
	return nil
}

func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("journal amount %q: %w", s, entrystore.ErrDataCorrupt)
	}
	return d, nil
}

func entryToRecord(e *Entry) *entryRecord {
	return &entryRecord{
		ID:            e.ID,
		TxID:          e.TxID,
		Type:          string(e.Type),
		Status:        string(e.Status),
		WalletID:      e.WalletID,
		Currency:      e.Currency,
		Amount:        e.Amount.String(),
		CounterpartID: e.CounterpartID,
		Description:   e.Description,
		Sequence:      e.Sequence,
		PrevChecksum:  e.PrevChecksum,
		Checksum:      e.Checksum,
		CreatedAt:     e.CreatedAt.UnixNano(),
	}
}

func recordToEntry(rec *entryRecord) (*Entry, error) {
	amount, err := parseAmount(rec.Amount)
	if err != nil {
		return nil, err
	}
	return &Entry{
		ID:            rec.ID,
		TxID:          rec.TxID,
		Type:          EntryType(rec.Type),
		Status:        EntryStatus(rec.Status),
		WalletID:      rec.WalletID,
		Currency:      rec.Currency,
		Amount:        amount,
		CounterpartID: rec.CounterpartID,
		Description:   rec.Description,
		Sequence:      rec.Sequence,
		PrevChecksum:  rec.PrevChecksum,
		Checksum:      rec.Checksum,
		CreatedAt:     time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

func recordToTxMeta(rec *txRecord) (*txMeta, error) {
	amount, err := parseAmount(rec.Amount)
	if err != nil {
		return nil, err
	}
	meta := &txMeta{
		ID:        rec.ID,
		Type:      TxType(rec.Type),
		RefTxID:   rec.RefTxID,
		Amount:    amount,
		Currency:  rec.Currency,
		PaymentID: rec.PaymentID,
		EntrySeqs: rec.EntrySeqs,
		CreatedAt: time.Unix(0, rec.CreatedAt).UTC(),
	}
	if rec.ExpiresAt != 0 {
		meta.ExpiresAt = time.Unix(0, rec.ExpiresAt).UTC()
	}
	return meta, nil
}

// putTransaction writes a transaction and all of its entries in one batch,
// along with any rewritten earlier entries (a voided hold's status flip
// rides in the same batch). The batch is atomic on pebble and leveldb, so a
// crash never persists a transaction with only part of its entries.
func (j *journal) putTransaction(tx *Transaction, updated ...*Entry) error {
	records := make([]entrystore.Record, 0, len(tx.Entries)+len(updated)+1)

	seqs := make([]uint64, 0, len(tx.Entries))
	for _, e := range tx.Entries {
		value, err := marshalRecord(entryToRecord(e))
		if err != nil {
			return err
		}
		records = append(records, entrystore.Record{Key: entryKey(e.Sequence), Value: value})
		seqs = append(seqs, e.Sequence)
	}
	for _, e := range updated {
		value, err := marshalRecord(entryToRecord(e))
		if err != nil {
			return err
		}
		records = append(records, entrystore.Record{Key: entryKey(e.Sequence), Value: value})
	}

	rec := &txRecord{
		ID:        tx.ID,
		Type:      string(tx.Type),
		RefTxID:   tx.RefTxID,
		Amount:    tx.Amount.String(),
		Currency:  tx.Currency,
		PaymentID: tx.PaymentID,
		EntrySeqs: seqs,
		CreatedAt: tx.CreatedAt.UnixNano(),
	}
	if !tx.ExpiresAt.IsZero() {
		rec.ExpiresAt = tx.ExpiresAt.UnixNano()
	}
	value, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	records = append(records, entrystore.Record{Key: txKey(tx.ID), Value: value})

	if status := j.backend.PutBatch(records); status != entrystore.OK {
		return fmt.Errorf("journal put tx %s: %w", tx.ID, entrystore.StatusError(status))
	}
	return nil
}

func (j *journal) getEntry(seq uint64) (*Entry, error) {
	data, status := j.backend.Get(entryKey(seq))
	if status != entrystore.OK {
		return nil, fmt.Errorf("journal get entry %d: %w", seq, entrystore.StatusError(status))
	}
	var rec entryRecord
	if err := unmarshalRecord(data, &rec); err != nil {
		return nil, err
	}
	return recordToEntry(&rec)
}

// replayEntries visits every journaled entry in sequence order.
func (j *journal) replayEntries(fn func(*Entry) error) error {
	return j.backend.ForEachPrefix([]byte(entryKeyPrefix), func(key, value []byte) error {
		var rec entryRecord
		if err := unmarshalRecord(value, &rec); err != nil {
			return err
		}
		e, err := recordToEntry(&rec)
		if err != nil {
			return err
		}
		return fn(e)
	})
}

// replayTransactions visits every journaled transaction. Order is by id,
// not by commit time; callers that care about time must sort.
func (j *journal) replayTransactions(fn func(*txMeta) error) error {
	return j.backend.ForEachPrefix([]byte(txKeyPrefix), func(key, value []byte) error {
		var rec txRecord
		if err := unmarshalRecord(value, &rec); err != nil {
			return err
		}
		meta, err := recordToTxMeta(&rec)
		if err != nil {
			return err
		}
		return fn(meta)
	})
}

func (j *journal) putCheckpoint(cp *Checkpoint) error {
	balances := make(map[string]map[string]string, len(cp.Balances))
	for wallet, byCurrency := range cp.Balances {
		m := make(map[string]string, len(byCurrency))
		for currency, amount := range byCurrency {
			m[currency] = amount.String()
		}
		balances[wallet] = m
	}
	volume := make(map[string]string, len(cp.Volume))
	for currency, amount := range cp.Volume {
		volume[currency] = amount.String()
	}

	value, err := marshalRecord(&checkpointRecord{
		ID:           cp.ID,
		PeriodStart:  cp.PeriodStart.UnixNano(),
		PeriodEnd:    cp.PeriodEnd.UnixNano(),
		LastSequence: cp.LastSequence,
		LastChecksum: cp.LastChecksum,
		Balances:     balances,
		EntryCount:   cp.EntryCount,
		Volume:       volume,
		Checksum:     cp.Checksum,
		CreatedAt:    cp.CreatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	if status := j.backend.Put(checkpointKey(cp.LastSequence), value); status != entrystore.OK {
		return fmt.Errorf("journal put checkpoint %s: %w", cp.ID, entrystore.StatusError(status))
	}
	return nil
}

// forEachCheckpoint visits checkpoints ordered by the sequence they cover.
func (j *journal) forEachCheckpoint(fn func(*Checkpoint) error) error {
	return j.backend.ForEachPrefix([]byte(checkpointKeyPrefix), func(key, value []byte) error {
		var rec checkpointRecord
		if err := unmarshalRecord(value, &rec); err != nil {
			return err
		}
		cp, err := recordToCheckpoint(&rec)
		if err != nil {
			return err
		}
		return fn(cp)
	})
}

func recordToCheckpoint(rec *checkpointRecord) (*Checkpoint, error) {
	balances := make(map[string]map[string]decimal.Decimal, len(rec.Balances))
	for wallet, byCurrency := range rec.Balances {
		m := make(map[string]decimal.Decimal, len(byCurrency))
		for currency, s := range byCurrency {
			amount, err := parseAmount(s)
			if err != nil {
				return nil, err
			}
			m[currency] = amount
		}
		balances[wallet] = m
	}
	volume := make(map[string]decimal.Decimal, len(rec.Volume))
	for currency, s := range rec.Volume {
		amount, err := parseAmount(s)
		if err != nil {
			return nil, err
		}
		volume[currency] = amount
	}

	return &Checkpoint{
		ID:           rec.ID,
		PeriodStart:  time.Unix(0, rec.PeriodStart).UTC(),
		PeriodEnd:    time.Unix(0, rec.PeriodEnd).UTC(),
		LastSequence: rec.LastSequence,
		LastChecksum: rec.LastChecksum,
		Balances:     balances,
		EntryCount:   rec.EntryCount,
		Volume:       volume,
		Checksum:     rec.Checksum,
		CreatedAt:    time.Unix(0, rec.CreatedAt).UTC(),
	}, nil
}

// sync flushes the backend. Called after commits when the backend was
// opened without synchronous writes.
func (j *journal) sync() error {
	if status := j.backend.Sync(); status != entrystore.OK {
		return fmt.Errorf("journal sync: %w", entrystore.StatusError(status))
	}
	return nil
}
