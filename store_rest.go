package chatsync

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

// RESTStore keeps messages in the backend's messages table.
type RESTStore struct {
	client *Client
	table  string
}

var _ MessageStore = (*RESTStore)(nil)

// NewRESTStore creates a store over the messages table.
func NewRESTStore(client *Client) *RESTStore {
	return &RESTStore{client: client, table: "messages"}
}

func (s *RESTStore) path() string {
	return "/rest/v1/" + s.table
}

// FetchAll reads every message, oldest first.
func (s *RESTStore) FetchAll(ctx context.Context, sess Session) ([]Message, error) {
	data, err := s.client.doRequest(ctx, apiRequest{
		Method: http.MethodGet,
		Path:   s.path(),
		Query:  url.Values{"select": {"*"}, "order": {"created_at.asc"}},
		Token:  sess.AccessToken,
	})
	if err != nil {
		return nil, err
	}
	records, err := decodeJSON[[]MessageRecord](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(*records))
	for _, r := range *records {
		m, err := r.Message()
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", r.ID, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Append inserts one message.
func (s *RESTStore) Append(ctx context.Context, sess Session, m Message) error {
	_, err := s.client.doRequest(ctx, apiRequest{
		Method: http.MethodPost,
		Path:   s.path(),
		Body:   []MessageRecord{NewMessageRecord(m)},
		Token:  sess.AccessToken,
		Header: http.Header{"Prefer": {"return=minimal"}},
	})
	return err
}
