package persistence

import (
	"context"
	"database/sql"

	"HedgeEngine/internal/oracle"
)

// SavePriceMessage appends a verified price message. The unique key is
// (pubkey, message_sequence); redelivered messages report inserted=false.
func (s *Store) SavePriceMessage(ctx context.Context, msg *oracle.PriceMessage) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_messages
			(pubkey, signature, message,
			 message_timestamp, message_sequence, price_sequence, price_value, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		ON CONFLICT (pubkey, message_sequence) DO NOTHING`,
		msg.Pubkey, msg.Signature, msg.Message,
		msg.MessageTimestamp, msg.MessageSequence, msg.PriceSequence, msg.PriceValue,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// LatestPriceMessage returns the newest stored message for an oracle, nil
// when no history exists yet.
func (s *Store) LatestPriceMessage(ctx context.Context, pubkey string) (*oracle.PriceMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, signature, message,
		       message_timestamp, message_sequence, price_sequence, price_value, created_at
		FROM oracle_messages
		WHERE pubkey = $1
		ORDER BY message_sequence DESC
		LIMIT 1`, pubkey)

	msg, err := scanPriceMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

// PriceMessagesInRange returns stored messages for [fromTimestamp, toTimestamp]
// in message-sequence order. The liquidation scan walks this slice.
func (s *Store) PriceMessagesInRange(ctx context.Context, pubkey string, fromTimestamp, toTimestamp int64) ([]*oracle.PriceMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pubkey, signature, message,
		       message_timestamp, message_sequence, price_sequence, price_value, created_at
		FROM oracle_messages
		WHERE pubkey = $1 AND message_timestamp >= $2 AND message_timestamp <= $3
		ORDER BY message_sequence`, pubkey, fromTimestamp, toTimestamp)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*oracle.PriceMessage
	for rows.Next() {
		msg, err := scanPriceMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// PriceMessageAtOrAfter returns the earliest message with
// message_timestamp >= ts, nil when none exists. Used to pick the maturation
// settlement message.
func (s *Store) PriceMessageAtOrAfter(ctx context.Context, pubkey string, ts int64) (*oracle.PriceMessage, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pubkey, signature, message,
		       message_timestamp, message_sequence, price_sequence, price_value, created_at
		FROM oracle_messages
		WHERE pubkey = $1 AND message_timestamp >= $2
		ORDER BY message_sequence
		LIMIT 1`, pubkey, ts)

	msg, err := scanPriceMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return msg, err
}

func scanPriceMessage(row rowScanner) (*oracle.PriceMessage, error) {
	var msg oracle.PriceMessage
	err := row.Scan(
		&msg.Pubkey, &msg.Signature, &msg.Message,
		&msg.MessageTimestamp, &msg.MessageSequence, &msg.PriceSequence, &msg.PriceValue,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
