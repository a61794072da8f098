package sink

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
)

type DriverName string

const (
	PostgresqlDriver = "postgres"
	MySQLDriver      = "mysql"
)

type Record struct {
	ID          string
	Collection  string
	Key         string
	TxID        string
	BlockNumber uint64
	Data        datatypes.JSON
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DatabaseSink upserts private values into one table per channel. The
// OnConflict clause makes re-delivery of the same document a clean
// overwrite with identical content.
type DatabaseSink struct {
	tableName string
	db        *gorm.DB
}

func NewDatabaseSink(driverName DriverName, dataSourceName string, channelID string) (*DatabaseSink, error) {
	var db *gorm.DB
	var err error
	newLogger := logger.New(
		log.New(),
		logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      logger.Silent,
			Colorful:      false,
		},
	)
	gormConfig := &gorm.Config{
		Logger: newLogger,
	}
	switch driverName {
	case PostgresqlDriver:
		db, err = gorm.Open(
			postgres.New(
				postgres.Config{
					DSN:                  dataSourceName,
					PreferSimpleProtocol: true,
				},
			),
			gormConfig,
		)
		if err != nil {
			return nil, err
		}
	case MySQLDriver:
		db, err = gorm.Open(mysql.Open(dataSourceName), gormConfig)
		if err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("Driver %s not supported", string(driverName))
	}
	return NewDatabaseSinkFromDB(db, channelID)
}

// NewDatabaseSinkFromDB wraps an open gorm handle; tests use it with
// sqlite.
func NewDatabaseSinkFromDB(db *gorm.DB, channelID string) (*DatabaseSink, error) {
	s := &DatabaseSink{
		db:        db,
		tableName: fmt.Sprintf("%s_private_data", channelID),
	}
	if err := db.Table(s.tableName).AutoMigrate(&Record{}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DatabaseSink) Upsert(value *fetch.PrivateDataValue) error {
	data, err := json.Marshal(Document(value))
	if err != nil {
		return err
	}
	record := Record{
		ID:          DocumentID(value),
		Collection:  value.Collection,
		Key:         value.Key,
		TxID:        value.TxID,
		BlockNumber: value.BlockNumber,
		Data:        data,
	}
	result := s.db.Table(s.tableName).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&record)
	if result.Error != nil {
		return result.Error
	}
	log.Debugf("Upserted %s into %s", record.ID, s.tableName)
	return nil
}

func (s *DatabaseSink) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
