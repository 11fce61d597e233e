package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"model-gateway/internal/domain"
)

// CreateMessage persists a new message. Messages are immutable once written.
func (c *Client) CreateMessage(ctx context.Context, msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return errors.New("repository: CreateMessage: id and conversation id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                messageItem(msg),
		ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
	})
	if isConditionFailed(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("repository: CreateMessage: %w", err)
	}
	return nil
}

// ListRecentMessages returns at most limit of the newest messages in
// chronological order.
func (c *Client) ListRecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(conversationID)),
			":prefix": strVal(skPrefixMsg),
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            int32Limit(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListRecentMessages query: %w", err)
	}

	msgs, err := itemsToMessages(out.Items)
	if err != nil {
		return nil, fmt.Errorf("repository: ListRecentMessages decode: %w", err)
	}
	slices.Reverse(msgs)
	return msgs, nil
}

// ListMessages returns every message of the conversation in chronological order.
func (c *Client) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     strVal(convPK(conversationID)),
			":prefix": strVal(skPrefixMsg),
		},
		ScanIndexForward: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages query: %w", err)
	}
	msgs, err := itemsToMessages(items)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages decode: %w", err)
	}
	return msgs, nil
}

func itemsToMessages(items []map[string]types.AttributeValue) ([]domain.Message, error) {
	msgs := make([]domain.Message, 0, len(items))
	for _, item := range items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func messageItem(msg domain.Message) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK":             strVal(convPK(msg.ConversationID)),
		"SK":             strVal(msgSK(msg.CreatedAt, msg.ID)),
		"messageId":      strVal(msg.ID),
		"conversationId": strVal(msg.ConversationID),
		"userId":         strVal(msg.UserID),
		"role":           strVal(string(msg.Role)),
		"content":        strVal(msg.Content),
		"inputTokens":    numVal(msg.InputTokens),
		"outputTokens":   numVal(msg.OutputTokens),
		"cost":           numVal(msg.Cost),
		"isError":        boolVal(msg.IsError),
		"createdAt":      strVal(formatTime(msg.CreatedAt)),
	}
	if msg.Model != "" {
		item["model"] = strVal(msg.Model)
	}
	if msg.Provider != "" {
		item["provider"] = strVal(msg.Provider)
	}
	if msg.ErrorMessage != "" {
		item["errorMessage"] = strVal(msg.ErrorMessage)
	}
	if len(msg.Attachments) > 0 {
		list := make([]types.AttributeValue, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			list = append(list, &types.AttributeValueMemberM{Value: map[string]types.AttributeValue{
				"name": strVal(a.Name),
				"type": strVal(a.Type),
				"url":  strVal(a.URL),
			}})
		}
		item["attachments"] = &types.AttributeValueMemberL{Value: list}
	}
	return item
}

func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	id, err := strAttr(item, "messageId")
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Message{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Message{}, err
	}
	var counts [3]int64
	for i, k := range []string{"inputTokens", "outputTokens", "cost"} {
		if counts[i], err = int64Attr(item, k); err != nil {
			return domain.Message{}, err
		}
	}

	msg := domain.Message{
		ID:             id,
		ConversationID: optStrAttr(item, "conversationId"),
		UserID:         optStrAttr(item, "userId"),
		Role:           domain.Role(role),
		Content:        content,
		Model:          optStrAttr(item, "model"),
		Provider:       optStrAttr(item, "provider"),
		InputTokens:    counts[0],
		OutputTokens:   counts[1],
		Cost:           counts[2],
		IsError:        boolAttr(item, "isError"),
		ErrorMessage:   optStrAttr(item, "errorMessage"),
		CreatedAt:      createdAt,
	}
	if l, ok := item["attachments"].(*types.AttributeValueMemberL); ok {
		for _, v := range l.Value {
			m, ok := v.(*types.AttributeValueMemberM)
			if !ok {
				continue
			}
			msg.Attachments = append(msg.Attachments, domain.Attachment{
				Name: optStrAttr(m.Value, "name"),
				Type: optStrAttr(m.Value, "type"),
				URL:  optStrAttr(m.Value, "url"),
			})
		}
	}
	return msg, nil
}
