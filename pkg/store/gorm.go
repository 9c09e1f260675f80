package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/catalogfi/fusion/pkg/swap"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
)

type swapRow struct {
	ID             string `gorm:"primaryKey"`
	Direction      string
	Initiator      string `gorm:"index"`
	Recipient      string `gorm:"index"`
	LockAmount     string
	SettleAmount   string
	HashLock       string `gorm:"uniqueIndex"`
	Secret         string
	TimelockExpiry time.Time
	Status         swap.Status `gorm:"index"`
	TotalUnits     int

	LockTxRef   string
	SettleTxRef string
	RefundTxRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (swapRow) TableName() string { return "swaps" }

type slotRow struct {
	ID        uint   `gorm:"primaryKey"`
	SwapID    string `gorm:"uniqueIndex:idx_swap_slot"`
	Index     int    `gorm:"column:slot_index;uniqueIndex:idx_swap_slot"`
	Owner     string
	Status    swap.SlotStatus
	EscrowRef string
	ClaimRef  string
	Error     string
	UpdatedAt time.Time
}

func (slotRow) TableName() string { return "slots" }

type transactionRow struct {
	ID        uint   `gorm:"primaryKey"`
	SwapID    string `gorm:"index"`
	Chain     string
	Action    string
	Ref       string
	SlotIndex int
	CreatedAt time.Time
}

func (transactionRow) TableName() string { return "transactions" }

type registry struct {
	mu *sync.RWMutex
	db *gorm.DB
}

// NewRegistry opens a gorm backed registry and migrates its tables.
func NewRegistry(dialector gorm.Dialector, opts ...gorm.Option) (Registry, error) {
	db, err := gorm.Open(dialector, opts...)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&swapRow{}, &slotRow{}, &transactionRow{}); err != nil {
		return nil, err
	}

	sqlDb, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDb.SetMaxIdleConns(5)
	sqlDb.SetMaxOpenConns(5)
	sqlDb.SetConnMaxIdleTime(10 * time.Minute)
	return &registry{mu: new(sync.RWMutex), db: db}, nil
}

func (r *registry) Create(ctx context.Context, s swap.Swap) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&swapRow{}).Where("id = ?", s.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrAlreadyExists
		}
		row := toSwapRow(s)
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		slots := make([]slotRow, s.TotalUnits)
		for i := range slots {
			slots[i] = slotRow{SwapID: s.ID, Index: i, Status: swap.SlotAvailable}
		}
		if len(slots) == 0 {
			return nil
		}
		return tx.Create(&slots).Error
	})
}

func (r *registry) Get(ctx context.Context, id string) (swap.Swap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var row swapRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return swap.Swap{}, ErrNotFound
		}
		return swap.Swap{}, err
	}
	return fromSwapRow(row)
}

func (r *registry) UpdateStatus(ctx context.Context, id string, expected, next swap.Status, upd Update) error {
	if err := checkTransition(expected, next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fields := map[string]interface{}{
		"status":     uint(next),
		"updated_at": time.Now().UTC(),
	}
	if len(upd.Secret) > 0 {
		fields["secret"] = hex.EncodeToString(upd.Secret)
	}
	if upd.LockTxRef != "" {
		fields["lock_tx_ref"] = upd.LockTxRef
	}
	if upd.SettleTxRef != "" {
		fields["settle_tx_ref"] = upd.SettleTxRef
	}
	if upd.RefundTxRef != "" {
		fields["refund_tx_ref"] = upd.RefundTxRef
	}

	res := r.db.WithContext(ctx).Model(&swapRow{}).Where("id = ? AND status = ?", id, uint(expected)).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return r.missOrConflict(ctx, id)
	}
	return nil
}

func (r *registry) missOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&swapRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return ErrNotFound
	}
	return swap.ErrStateConflict
}

func (r *registry) ListPending(ctx context.Context) ([]swap.Swap, error) {
	return r.list(ctx, r.db.Where("status NOT IN ?", []uint{uint(swap.Completed), uint(swap.Refunded), uint(swap.Failed)}))
}

func (r *registry) ListByStatus(ctx context.Context, statuses ...swap.Status) ([]swap.Swap, error) {
	values := make([]uint, len(statuses))
	for i, status := range statuses {
		values[i] = uint(status)
	}
	return r.list(ctx, r.db.Where("status IN ?", values))
}

func (r *registry) History(ctx context.Context, address string) ([]swap.Swap, error) {
	return r.list(ctx, r.db.Where("initiator = ? OR recipient = ?", address, address))
}

func (r *registry) list(ctx context.Context, query *gorm.DB) ([]swap.Swap, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []swapRow
	if err := query.WithContext(ctx).Order("created_at desc").Find(&rows).Error; err != nil {
		return nil, err
	}
	swaps := make([]swap.Swap, 0, len(rows))
	for _, row := range rows {
		s, err := fromSwapRow(row)
		if err != nil {
			return nil, err
		}
		swaps = append(swaps, s)
	}
	return swaps, nil
}

func (r *registry) Slots(ctx context.Context, id string) ([]swap.Slot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []slotRow
	if err := r.db.WithContext(ctx).Where("swap_id = ?", id).Order("slot_index asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&swapRow{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, ErrNotFound
		}
	}
	slots := make([]swap.Slot, len(rows))
	for i, row := range rows {
		slots[i] = swap.Slot{
			SwapID:    row.SwapID,
			Index:     row.Index,
			Owner:     row.Owner,
			Status:    row.Status,
			EscrowRef: row.EscrowRef,
			ClaimRef:  row.ClaimRef,
			Error:     row.Error,
		}
	}
	return slots, nil
}

func (r *registry) AssignSlots(ctx context.Context, id string, owner string, indices []int) error {
	if len(indices) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&slotRow{}).
			Where("swap_id = ? AND slot_index IN ? AND status = ?", id, indices, uint(swap.SlotAvailable)).
			Updates(map[string]interface{}{
				"owner":      owner,
				"status":     uint(swap.SlotAssigned),
				"updated_at": time.Now().UTC(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != int64(len(indices)) {
			return fmt.Errorf("assigning %d slots of %v: %w", len(indices), id, swap.ErrStateConflict)
		}
		return nil
	})
}

func (r *registry) UpdateSlot(ctx context.Context, id string, index int, expected, next swap.SlotStatus, upd SlotUpdate) error {
	if err := checkSlotTransition(expected, next); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	fields := map[string]interface{}{
		"status":     uint(next),
		"updated_at": time.Now().UTC(),
	}
	if upd.Owner != "" {
		fields["owner"] = upd.Owner
	}
	if upd.EscrowRef != "" {
		fields["escrow_ref"] = upd.EscrowRef
	}
	if upd.ClaimRef != "" {
		fields["claim_ref"] = upd.ClaimRef
	}
	if upd.Error != "" {
		fields["error"] = upd.Error
	}

	res := r.db.WithContext(ctx).Model(&slotRow{}).
		Where("swap_id = ? AND slot_index = ? AND status = ?", id, index, uint(expected)).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&slotRow{}).Where("swap_id = ? AND slot_index = ?", id, index).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrNotFound
		}
		return swap.ErrStateConflict
	}
	return nil
}

func (r *registry) AddTransaction(ctx context.Context, tx Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row := transactionRow{
		SwapID:    tx.SwapID,
		Chain:     tx.Chain,
		Action:    string(tx.Action),
		Ref:       tx.Ref,
		SlotIndex: tx.SlotIndex,
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *registry) Transactions(ctx context.Context, id string) ([]Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rows []transactionRow
	if err := r.db.WithContext(ctx).Where("swap_id = ?", id).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	txs := make([]Transaction, len(rows))
	for i, row := range rows {
		txs[i] = Transaction{
			SwapID:    row.SwapID,
			Chain:     row.Chain,
			Action:    swap.Action(row.Action),
			Ref:       row.Ref,
			SlotIndex: row.SlotIndex,
			CreatedAt: row.CreatedAt,
		}
	}
	return txs, nil
}

func toSwapRow(s swap.Swap) swapRow {
	row := swapRow{
		ID:             s.ID,
		Direction:      string(s.Direction),
		Initiator:      s.Initiator,
		Recipient:      s.Recipient,
		LockAmount:     "0",
		SettleAmount:   "0",
		HashLock:       s.HashLock.Hex(),
		TimelockExpiry: s.TimelockExpiry.UTC(),
		Status:         s.Status,
		TotalUnits:     s.TotalUnits,
		LockTxRef:      s.LockTxRef,
		SettleTxRef:    s.SettleTxRef,
		RefundTxRef:    s.RefundTxRef,
	}
	if s.LockAmount != nil {
		row.LockAmount = s.LockAmount.String()
	}
	if s.SettleAmount != nil {
		row.SettleAmount = s.SettleAmount.String()
	}
	if len(s.Secret) > 0 {
		row.Secret = hex.EncodeToString(s.Secret)
	}
	return row
}

func fromSwapRow(row swapRow) (swap.Swap, error) {
	lockAmount, ok := new(big.Int).SetString(row.LockAmount, 10)
	if !ok {
		return swap.Swap{}, fmt.Errorf("invalid lock amount %q for swap %v", row.LockAmount, row.ID)
	}
	settleAmount, ok := new(big.Int).SetString(row.SettleAmount, 10)
	if !ok {
		return swap.Swap{}, fmt.Errorf("invalid settle amount %q for swap %v", row.SettleAmount, row.ID)
	}
	var secret []byte
	if row.Secret != "" {
		var err error
		if secret, err = hex.DecodeString(row.Secret); err != nil {
			return swap.Swap{}, fmt.Errorf("invalid secret for swap %v: %w", row.ID, err)
		}
	}
	return swap.Swap{
		ID:             row.ID,
		Direction:      swap.Direction(row.Direction),
		Initiator:      row.Initiator,
		Recipient:      row.Recipient,
		LockAmount:     lockAmount,
		SettleAmount:   settleAmount,
		HashLock:       common.HexToHash(row.HashLock),
		Secret:         secret,
		TimelockExpiry: row.TimelockExpiry,
		Status:         row.Status,
		TotalUnits:     row.TotalUnits,
		LockTxRef:      row.LockTxRef,
		SettleTxRef:    row.SettleTxRef,
		RefundTxRef:    row.RefundTxRef,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}, nil
}
