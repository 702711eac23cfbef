package dataitem

import (
	"errors"
	"io"
	"slices"

	"go.uber.org/zap"

	"github.com/tuannm99/novacore/internal/storage"
	"github.com/tuannm99/novacore/internal/wal"
)

// Recover repairs the page file from the log after an unclean shutdown:
// pages past the last logged one are dropped, finished transactions are
// redone in log order and active ones undone in reverse, then aborted.
func Recover(store *storage.PageStore, w *wal.Log, ledger TxStatus, log *zap.Logger) error {
	log.Info("dataitem.recover.start")

	records, err := readRecords(w)
	if err != nil {
		return err
	}

	var maxPgno uint32
	for _, r := range records {
		maxPgno = max(maxPgno, r.pgno)
	}
	if maxPgno == 0 {
		maxPgno = 1
	}
	if err := store.TruncateTo(maxPgno); err != nil {
		return err
	}
	log.Info("dataitem.recover.truncate", zap.Uint32("pages", maxPgno))

	var redone int
	for _, r := range records {
		if ledger.IsActive(r.xid) {
			continue
		}
		if err := apply(store, r, false); err != nil {
			return err
		}
		redone++
	}
	log.Info("dataitem.recover.redo", zap.Int("records", redone))

	active := map[uint64][]logRecord{}
	for _, r := range records {
		if ledger.IsActive(r.xid) {
			active[r.xid] = append(active[r.xid], r)
		}
	}
	xids := make([]uint64, 0, len(active))
	for xid := range active {
		xids = append(xids, xid)
	}
	slices.Sort(xids)

	for _, xid := range slices.Backward(xids) {
		for _, r := range slices.Backward(active[xid]) {
			if err := apply(store, r, true); err != nil {
				return err
			}
		}
		if err := ledger.Abort(xid); err != nil {
			return err
		}
	}
	log.Info("dataitem.recover.undo", zap.Int("transactions", len(xids)))
	return nil
}

func readRecords(w *wal.Log) ([]logRecord, error) {
	w.Rewind()
	defer w.Rewind()

	var out []logRecord
	for {
		rec, err := w.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		r, err := parseRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
}

func apply(store *storage.PageStore, r logRecord, undo bool) error {
	pg, err := store.GetPage(r.pgno)
	if err != nil {
		return err
	}
	defer func() { _ = pg.Release() }()

	switch r.typ {
	case recInsert:
		raw := r.raw
		if undo {
			raw = slices.Clone(raw)
			setInvalid(raw)
		}
		storage.RecoverInsert(pg, raw, r.offset)
	case recUpdate:
		raw := r.newRaw
		if undo {
			raw = r.oldRaw
		}
		storage.RecoverUpdate(pg, raw, r.offset)
	}
	return nil
}
