package storage

import (
	"strings"
	"time"

	"gorm.io/gorm"

	"tubeflow/internal/apperr"
)

// MaxPerPage bounds List pages; larger requests are clamped, not rejected.
const MaxPerPage = 200

// Page is one page of items.
type Page struct {
	Items   []Item `json:"items"`
	Total   int64  `json:"total"`
	Page    int    `json:"page"`
	PerPage int    `json:"per_page"`
}

// ListOptions filters and orders a List call.
type ListOptions struct {
	Status  []Status
	Page    int
	PerPage int
	// Order is "asc" or "desc" by creation time; desc is the default.
	Order string
}

func (s *Store) itemTable(where Where) (*gorm.DB, error) {
	table, err := where.table()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid table selector")
	}
	return s.db.Table(table), nil
}

// InsertItem adds a new row to the selected table. CreatedAt is stamped
// when unset so queue order stays monotonic per table.
func (s *Store) InsertItem(where Where, item *Item) error {
	tbl, err := s.itemTable(where)
	if err != nil {
		return err
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.UpdatedAt = time.Now()
	if err := tbl.Create(item).Error; err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return apperr.Conflict("item %s already exists", item.ID)
		}
		return err
	}
	return nil
}

func (s *Store) GetItem(where Where, id string) (*Item, error) {
	tbl, err := s.itemTable(where)
	if err != nil {
		return nil, err
	}
	var item Item
	if err := tbl.Where("id = ?", id).First(&item).Error; err != nil {
		if notFound(err) {
			return nil, apperr.NotFound("item %s not found", id)
		}
		return nil, err
	}
	return &item, nil
}

// SaveItem persists the full row by UUID.
func (s *Store) SaveItem(where Where, item *Item) error {
	tbl, err := s.itemTable(where)
	if err != nil {
		return err
	}
	item.UpdatedAt = time.Now()
	// Select("*") so cleared fields (error, filename) are written too.
	res := tbl.Where("id = ?", item.ID).Select("*").Omit("rowid_pk", "created_at").Updates(item)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("item %s not found", item.ID)
	}
	return nil
}

// PatchItem applies the given column updates and returns the post-mutation
// row.
func (s *Store) PatchItem(where Where, id string, fields map[string]any) (*Item, error) {
	tbl, err := s.itemTable(where)
	if err != nil {
		return nil, err
	}
	fields["updated_at"] = time.Now()
	res := tbl.Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, apperr.NotFound("item %s not found", id)
	}
	return s.GetItem(where, id)
}

// DeleteItem removes the row and returns it.
func (s *Store) DeleteItem(where Where, id string) (*Item, error) {
	item, err := s.GetItem(where, id)
	if err != nil {
		return nil, err
	}
	tbl, _ := s.itemTable(where)
	if err := tbl.Where("id = ?", id).Delete(&Item{}).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// MoveToHistory transitions a terminal item from the queue table to the
// history table in one transaction. The UUID survives; the history row gets
// its own autoincrement id.
func (s *Store) MoveToHistory(item *Item) error {
	if !item.Status.Terminal() {
		return apperr.Internal("refusing to move non-terminal item %s (%s) to history", item.ID, item.Status)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Table("queue").Where("id = ?", item.ID).Delete(&Item{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.NotFound("item %s not in queue", item.ID)
		}
		moved := *item
		moved.RowID = 0
		moved.UpdatedAt = time.Now()
		return tx.Table("history").Create(&moved).Error
	})
}

// List returns one page, clamping per_page to [1, MaxPerPage].
func (s *Store) List(where Where, opts ListOptions) (*Page, error) {
	table, err := where.table()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "invalid table selector")
	}

	if opts.PerPage < 1 {
		opts.PerPage = 50
	}
	if opts.PerPage > MaxPerPage {
		opts.PerPage = MaxPerPage
	}
	if opts.Page < 1 {
		opts.Page = 1
	}

	// Fresh chains per finisher; gorm statements are not reusable.
	filter := func() *gorm.DB {
		q := s.db.Table(table)
		if len(opts.Status) > 0 {
			q = q.Where("status IN ?", opts.Status)
		}
		return q
	}

	var total int64
	if err := filter().Count(&total).Error; err != nil {
		return nil, err
	}

	order := "created_at DESC, sub_index DESC"
	if strings.EqualFold(opts.Order, "asc") {
		order = "created_at ASC, sub_index ASC"
	}

	var items []Item
	err = filter().Order(order).
		Offset((opts.Page - 1) * opts.PerPage).
		Limit(opts.PerPage).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return &Page{Items: items, Total: total, Page: opts.Page, PerPage: opts.PerPage}, nil
}

// QueueItems returns every queue row in dispatch order.
func (s *Store) QueueItems() ([]Item, error) {
	var items []Item
	err := s.db.Table("queue").
		Order("created_at ASC, sub_index ASC").
		Find(&items).Error
	return items, err
}

func (s *Store) HistoryCount() (int64, error) {
	var n int64
	err := s.db.Table("history").Count(&n).Error
	return n, err
}
