package remote

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"purchasesync/internal/changelog"
	"purchasesync/internal/model"
)

// OpenGorm connects to "mysql" or "sqlite" and migrates both tables.
func OpenGorm(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if err := db.AutoMigrate(&model.Purchase{}, &model.PurchaseItem{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// GormStore is a Store over a SQL database.
type GormStore struct {
	db  *gorm.DB
	pub publisher
}

func NewGormStore(db *gorm.DB, w changelog.Writer) *GormStore {
	return &GormStore{db: db, pub: publisher{w: w}}
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type codec[T any] struct {
	decode func(model.Row) (T, error)
	encode func(T) (model.Row, error)
}

var (
	purchaseCodec = codec[model.Purchase]{decode: model.DecodePurchase, encode: purchaseRow}
	itemCodec     = codec[model.PurchaseItem]{
		decode: model.DecodeItem,
		encode: func(it model.PurchaseItem) (model.Row, error) { return model.ToRow(it) },
	}
)

func (s *GormStore) Select(ctx context.Context, table string, q Query) ([]model.Row, error) {
	tx := s.db.WithContext(ctx)
	switch table {
	case model.TablePurchases:
		return gormSelect(tx, purchaseCodec, q)
	case model.TableItems:
		return gormSelect(tx, itemCodec, q)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
}

func gormSelect[T any](tx *gorm.DB, c codec[T], q Query) ([]model.Row, error) {
	tx = tx.Model(new(T))
	if len(q.Eq) > 0 {
		tx = tx.Where(map[string]interface{}(q.Eq))
	}
	for col, ids := range q.In {
		if len(ids) == 0 {
			return []model.Row{}, nil
		}
		vals := make([]interface{}, len(ids))
		for i, id := range ids {
			vals[i] = id
		}
		tx = tx.Where(clause.IN{Column: clause.Column{Name: col}, Values: vals})
	}
	if q.OrderBy != "" {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: q.OrderBy}, Desc: q.Desc})
	}
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: "id"}})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}
	var found []T
	if err := tx.Find(&found).Error; err != nil {
		return nil, fmt.Errorf("select: %w", err)
	}
	out := make([]model.Row, 0, len(found))
	for _, v := range found {
		r, err := c.encode(v)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *GormStore) Insert(ctx context.Context, table string, rows ...model.Row) ([]model.Row, error) {
	var (
		out []model.Row
		err error
	)
	tx := s.db.WithContext(ctx)
	switch table {
	case model.TablePurchases:
		out, err = gormInsert(tx, purchaseCodec, rows)
	case model.TableItems:
		out, err = gormInsert(tx, itemCodec, rows)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	evs := make([]changelog.ChangeEvent, len(out))
	for i, r := range out {
		evs[i] = changelog.NewEvent(table, changelog.Insert, r.Clone(), nil)
	}
	return out, s.pub.publish(evs...)
}

func gormInsert[T any](db *gorm.DB, c codec[T], rows []model.Row) ([]model.Row, error) {
	var out []model.Row
	err := db.Transaction(func(tx *gorm.DB) error {
		var maxID int64
		if err := tx.Model(new(T)).Select("COALESCE(MAX(id), 0)").Scan(&maxID).Error; err != nil {
			return fmt.Errorf("next id: %w", err)
		}
		for _, r := range rows {
			r = r.Clone()
			if id, ok := r.ID(); !ok || id == 0 {
				maxID++
				r["id"] = maxID
			} else if id > maxID {
				maxID = id
			}
			v, err := c.decode(r)
			if err != nil {
				return err
			}
			if err := tx.Create(&v).Error; err != nil {
				return err
			}
			enc, err := c.encode(v)
			if err != nil {
				return err
			}
			out = append(out, enc)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, table string, id int64, patch model.Row) (model.Row, error) {
	var (
		old, next model.Row
		err       error
	)
	tx := s.db.WithContext(ctx)
	switch table {
	case model.TablePurchases:
		old, next, err = gormUpdate(tx, purchaseCodec, id, patch)
	case model.TableItems:
		old, next, err = gormUpdate(tx, itemCodec, id, patch)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s#%d: %w", table, id, err)
	}
	return next.Clone(), s.pub.publish(changelog.NewEvent(table, changelog.Update, next, old))
}

func gormUpdate[T any](db *gorm.DB, c codec[T], id int64, patch model.Row) (model.Row, model.Row, error) {
	var old, next model.Row
	err := db.Transaction(func(tx *gorm.DB) error {
		var cur T
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cur, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		var err error
		if old, err = c.encode(cur); err != nil {
			return err
		}
		v, err := c.decode(patched(old, patch))
		if err != nil {
			return err
		}
		if err := tx.Save(&v).Error; err != nil {
			return err
		}
		next, err = c.encode(v)
		return err
	})
	return old, next, err
}

// Delete removes a row; deleting a purchase removes its items in the same
// transaction and publishes one event per removed row.
func (s *GormStore) Delete(ctx context.Context, table string, id int64) error {
	if err := checkTable(table); err != nil {
		return err
	}
	var evs []changelog.ChangeEvent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if table == model.TablePurchases {
			var items []model.PurchaseItem
			if err := tx.Where("purchase_request_id = ?", id).Order("id").Find(&items).Error; err != nil {
				return err
			}
			for _, it := range items {
				if err := tx.Delete(&model.PurchaseItem{}, it.ID).Error; err != nil {
					return err
				}
				r, err := model.ToRow(it)
				if err != nil {
					return err
				}
				evs = append(evs, changelog.NewEvent(model.TableItems, changelog.Delete, nil, r))
			}
			var p model.Purchase
			if err := tx.First(&p, id).Error; err != nil {
				return err
			}
			if err := tx.Delete(&model.Purchase{}, id).Error; err != nil {
				return err
			}
			r, err := purchaseRow(p)
			if err != nil {
				return err
			}
			evs = append(evs, changelog.NewEvent(table, changelog.Delete, nil, r))
			return nil
		}
		var it model.PurchaseItem
		if err := tx.First(&it, id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&model.PurchaseItem{}, id).Error; err != nil {
			return err
		}
		r, err := model.ToRow(it)
		if err != nil {
			return err
		}
		evs = append(evs, changelog.NewEvent(table, changelog.Delete, nil, r))
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("delete %s#%d: %w", table, id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("delete %s#%d: %w", table, id, err)
	}
	return s.pub.publish(evs...)
}
