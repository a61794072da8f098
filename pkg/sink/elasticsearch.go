package sink

import (
	"bytes"
	"encoding/json"
	"fmt"

	elasticsearch7 "github.com/elastic/go-elasticsearch/v7"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/kfsoftware/hlf-privsync/pkg/fetch"
)

// ElasticSink indexes private values into one index per channel and
// collection. The deterministic _id turns replays into overwrites.
type ElasticSink struct {
	client    *elasticsearch7.Client
	channelID string
}

func NewElasticSink(client *elasticsearch7.Client, channelID string) *ElasticSink {
	return &ElasticSink{
		client:    client,
		channelID: channelID,
	}
}

func (e *ElasticSink) indexName(collection string) string {
	return fmt.Sprintf("%s_%s", e.channelID, collection)
}

func (e *ElasticSink) Upsert(value *fetch.PrivateDataValue) error {
	data, err := json.Marshal(Document(value))
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	meta := []byte(fmt.Sprintf(`{ "index" : {"_index": "%s",  "_id" : "%s" } }%s`, e.indexName(value.Collection), DocumentID(value), "\n"))
	data = append(data, "\n"...)
	buf.Grow(len(meta) + len(data))
	buf.Write(meta)
	buf.Write(data)

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		var raw map[string]interface{}
		if err := json.NewDecoder(res.Body).Decode(&raw); err != nil {
			return errors.Errorf("Failure to parse response body: %s", err)
		}
		return errors.Errorf("Error: [%d] %s: %s",
			res.StatusCode,
			raw["error"].(map[string]interface{})["type"],
			raw["error"].(map[string]interface{})["reason"],
		)
	}
	log.Debugf("Indexed %s into %s", DocumentID(value), e.indexName(value.Collection))
	return nil
}

func (e *ElasticSink) Close() error {
	return nil
}
