// Copyright (c) 2023 The KBase Project and its Contributors
// Copyright (c) 2023 Cohere Consulting, LLC
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies
// of the Software, and to permit persons to whom the Software is furnished to do
// so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package catalog

import (
	"zombiezen.com/go/sqlite"

	"github.com/kelpstudio/dts/store"
)

// NewNotification is one entry to record in a user's feed, and optionally
// deliver by email. Persistence always succeeds or the whole transaction
// rolls back; email delivery (package notify) is a best-effort side effect
// applied afterward and reflected back via MarkEmailSent.
type NewNotification struct {
	UserId     int64
	TransferId *int64
	Type       NotificationType
	Title      string
	Message    string
}

func CreateNotificationTx(tx *store.Tx, n NewNotification) (Notification, error) {
	now := store.Now()
	err := tx.Exec(`
		INSERT INTO notifications (user_id, transfer_id, type, title, message, is_read, email_sent, created_at)
		VALUES (:user_id, :transfer_id, :type, :title, :message, 0, 0, :now)`,
		map[string]any{
			"user_id":     n.UserId,
			"transfer_id": int64PtrParam(n.TransferId),
			"type":        string(n.Type),
			"title":       n.Title,
			"message":     n.Message,
			"now":         formatTime(now),
		})
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		Id:         tx.LastInsertRowID(),
		UserId:     n.UserId,
		TransferId: n.TransferId,
		Type:       n.Type,
		Title:      n.Title,
		Message:    n.Message,
		CreatedAt:  now,
	}, nil
}

func (c *Catalog) CreateNotification(n NewNotification) (Notification, error) {
	return WithTx(c, func(tx *store.Tx) (Notification, error) {
		return CreateNotificationTx(tx, n)
	})
}

// returns userId's notifications, most recent first.
func (c *Catalog) NotificationsForUser(userId int64, unreadOnly bool) ([]Notification, error) {
	return WithTx(c, func(tx *store.Tx) ([]Notification, error) {
		query := `SELECT * FROM notifications WHERE user_id = :user_id`
		if unreadOnly {
			query += ` AND is_read = 0`
		}
		query += ` ORDER BY id DESC`
		notifications := make([]Notification, 0)
		err := tx.Query(query, map[string]any{"user_id": userId},
			func(stmt *sqlite.Stmt) error {
				n, err := scanNotification(stmt)
				if err != nil {
					return err
				}
				notifications = append(notifications, n)
				return nil
			})
		return notifications, err
	})
}

// NotificationByID returns a single notification row, for NotificationFanout's
// async email leg (dispatched one queue message per notification id).
func (c *Catalog) NotificationByID(id int64) (Notification, error) {
	return WithTx(c, func(tx *store.Tx) (Notification, error) {
		var found Notification
		err := tx.Query(`SELECT * FROM notifications WHERE id = :id`,
			map[string]any{"id": id},
			func(stmt *sqlite.Stmt) error {
				var err error
				found, err = scanNotification(stmt)
				return err
			})
		if err != nil {
			return Notification{}, err
		}
		if found.Id == 0 {
			return Notification{}, &NotFoundError{Entity: "notification", Key: id}
		}
		return found, nil
	})
}

func (c *Catalog) MarkNotificationRead(id int64) error {
	_, err := WithTx(c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, tx.Exec(`UPDATE notifications SET is_read = 1 WHERE id = :id`,
			map[string]any{"id": id})
	})
	return err
}

// records that an email was (or was not) successfully sent for a
// notification, per notify.NotificationFanout's best-effort delivery
// contract: persistence of the notification itself never depends on this.
func (c *Catalog) MarkNotificationEmailSent(id int64, sent bool) error {
	_, err := WithTx(c, func(tx *store.Tx) (struct{}, error) {
		return struct{}{}, tx.Exec(`UPDATE notifications SET email_sent = :sent WHERE id = :id`,
			map[string]any{"id": id, "sent": boolParam(sent)})
	})
	return err
}

func scanNotification(stmt *sqlite.Stmt) (Notification, error) {
	return Notification{
		Id:         stmt.GetInt64("id"),
		UserId:     stmt.GetInt64("user_id"),
		TransferId: nullableInt64(stmt, "transfer_id"),
		Type:       NotificationType(stmt.GetText("type")),
		Title:      stmt.GetText("title"),
		Message:    stmt.GetText("message"),
		IsRead:     stmt.GetInt64("is_read") != 0,
		EmailSent:  stmt.GetInt64("email_sent") != 0,
		CreatedAt:  parseTime(stmt.GetText("created_at")),
	}, nil
}
