package sink

import (
	"context"
	"time"

	"github.com/meilisearch/meilisearch-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
)

const meiliPrimaryKey = "_privsync_id"

// MeiliSink stores private values in one Meilisearch index per channel.
type MeiliSink struct {
	client    meilisearch.ClientInterface
	indexName string
}

func NewMeiliSink(client meilisearch.ClientInterface, channelID string) (*MeiliSink, error) {
	s := &MeiliSink{
		client:    client,
		indexName: channelID,
	}
	if err := s.ensureIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *MeiliSink) ensureIndex() error {
	_, err := m.client.Indexes().Get(m.indexName)
	if err == nil {
		return nil
	}
	meilieErr, ok := errors.Cause(err).(*meilisearch.Error)
	if !ok || meilieErr.StatusCode != 404 {
		return err
	}
	responseIndex, err := m.client.Indexes().Create(meilisearch.CreateIndexRequest{
		UID:        m.indexName,
		PrimaryKey: meiliPrimaryKey,
		Name:       m.indexName,
	})
	if err != nil {
		return err
	}
	return m.waitForUpdate(responseIndex.UpdateID)
}

// meiliDocumentID restricts the document id to the characters Meilisearch
// accepts for primary keys.
func meiliDocumentID(value *fetch.PrivateDataValue) string {
	id := []byte(DocumentID(value))
	for i, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			id[i] = '_'
		}
	}
	return string(id)
}

func (m *MeiliSink) Upsert(value *fetch.PrivateDataValue) error {
	doc := Document(value)
	doc[meiliPrimaryKey] = meiliDocumentID(value)
	updateRes, err := m.client.Documents(m.indexName).AddOrUpdate([]map[string]interface{}{doc})
	if err != nil {
		return err
	}
	return m.waitForUpdate(updateRes.UpdateID)
}

func (m *MeiliSink) waitForUpdate(updateID int64) error {
	ctx := context.Background()
	log.Debugf("Update ID: %d", updateID)
	updateStatus, err := m.client.WaitForPendingUpdate(
		ctx,
		200*time.Millisecond,
		m.indexName,
		&meilisearch.AsyncUpdateID{UpdateID: updateID},
	)
	if err != nil {
		return err
	}
	log.Debugf("Update %d=%s", updateID, updateStatus)
	return nil
}

func (m *MeiliSink) Close() error {
	return nil
}
