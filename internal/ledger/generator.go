package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// journalNamespace seeds deterministic journal and batch IDs so a replayed
// command produces the same rows as the original run.
var journalNamespace = uuid.MustParse("6f1c2a9e-3b7d-4c55-9d0e-8a41f2b7c613")

// JournalGenerator creates balanced journal batches for pool operations
type JournalGenerator struct {
	assetID AssetID
}

func NewJournalGenerator(assetID AssetID) *JournalGenerator {
	return &JournalGenerator{assetID: assetID}
}

// AssetID returns the denomination this generator books in.
func (jg *JournalGenerator) AssetID() AssetID {
	return jg.assetID
}

// BatchMeta carries the identifying fields shared by every journal in a batch.
type BatchMeta struct {
	EventRef  string
	Sequence  int64
	Timestamp int64
}

func (jg *JournalGenerator) newBatch(meta BatchMeta, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.NewSHA1(journalNamespace, []byte(meta.EventRef)),
		EventRef:  meta.EventRef,
		Sequence:  meta.Sequence,
		Timestamp: meta.Timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (jg *JournalGenerator) appendTransfer(b *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	leg := len(b.Journals)
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.NewSHA1(journalNamespace, []byte(fmt.Sprintf("%s:%d", b.EventRef, leg))),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		Sequence:      b.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       jg.assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

func (jg *JournalGenerator) free() AccountKey {
	return NewPoolAccountKey(SubTypePoolFree, jg.assetID)
}

func (jg *JournalGenerator) locked() AccountKey {
	return NewPoolAccountKey(SubTypePoolLocked, jg.assetID)
}

// GenerateDeposit moves funds: external:deposits → pool:free
func (jg *JournalGenerator) GenerateDeposit(meta BatchMeta, amount int64) *Batch {
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, jg.free(), NewExternalAccountKey(SubTypeExternalDeposits, jg.assetID), amount, JournalTypeDeposit)
	return b
}

// GenerateWithdrawal moves funds: pool:free → external:withdrawals
func (jg *JournalGenerator) GenerateWithdrawal(meta BatchMeta, amount int64) *Batch {
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, NewExternalAccountKey(SubTypeExternalWithdrawals, jg.assetID), jg.free(), amount, JournalTypeWithdrawal)
	return b
}

// GeneratePolicyLock commits coverage × supply: pool:free → pool:locked
func (jg *JournalGenerator) GeneratePolicyLock(meta BatchMeta, amount int64) *Batch {
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, jg.locked(), jg.free(), amount, JournalTypePolicyLock)
	return b
}

// GeneratePolicyUnlock releases unsold supply on retirement: pool:locked → pool:free.
// Returns nil when nothing is left to release.
func (jg *JournalGenerator) GeneratePolicyUnlock(meta BatchMeta, amount int64) *Batch {
	if amount == 0 {
		return nil
	}
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, jg.free(), jg.locked(), amount, JournalTypePolicyUnlock)
	return b
}

// GeneratePremium books the price taken from a buyer's payment:
// buyer:premiums → pool:free
func (jg *JournalGenerator) GeneratePremium(meta BatchMeta, buyer uuid.UUID, price int64) *Batch {
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, jg.free(), NewBuyerAccountKey(buyer, SubTypeBuyerPremiums, jg.assetID), price, JournalTypePremium)
	return b
}

// GenerateClaimPayout pays an approved claim out of collateral:
// pool:locked → buyer:payouts
func (jg *JournalGenerator) GenerateClaimPayout(meta BatchMeta, buyer uuid.UUID, amount int64) *Batch {
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, NewBuyerAccountKey(buyer, SubTypeBuyerPayouts, jg.assetID), jg.locked(), amount, JournalTypeClaimPayout)
	return b
}

// GenerateCoverageRelease returns the unused coverage of an expired record:
// pool:locked → pool:free. Returns nil when the residual is zero.
func (jg *JournalGenerator) GenerateCoverageRelease(meta BatchMeta, residual int64) *Batch {
	if residual == 0 {
		return nil
	}
	b := jg.newBatch(meta, 1)
	jg.appendTransfer(b, jg.free(), jg.locked(), residual, JournalTypeCoverageRelease)
	return b
}

// Merge combines several batches (e.g. a lapse sweep) into one under the
// given meta. Nil inputs are skipped; returns nil if nothing remains.
func (jg *JournalGenerator) Merge(meta BatchMeta, parts ...*Batch) *Batch {
	var n int
	for _, p := range parts {
		if p != nil {
			n += len(p.Journals)
		}
	}
	if n == 0 {
		return nil
	}
	b := jg.newBatch(meta, n)
	for _, p := range parts {
		if p == nil {
			continue
		}
		for _, j := range p.Journals {
			jg.appendTransfer(b, j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType)
		}
	}
	return b
}
