package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"model-gateway/internal/domain"
)

// GetConversation loads the conversation record or returns ErrNotFound.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(convPK(conversationID), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.Conversation{}, ErrNotFound
	}
	conv, err := itemToConversation(out.Item)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("repository: GetConversation decode: %w", err)
	}
	return conv, nil
}

// CreateConversation writes a new conversation record.
func (c *Client) CreateConversation(ctx context.Context, conv domain.Conversation) error {
	if conv.ID == "" || conv.UserID == "" {
		return errors.New("repository: CreateConversation: id and user id are required")
	}
	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.tableName),
		Item:                conversationItem(conv),
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if isConditionFailed(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("repository: CreateConversation: %w", err)
	}
	return nil
}

// ListConversations returns every conversation owned by userID, most recently
// updated first.
func (c *Client) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		IndexName:              aws.String(userIndexName),
		KeyConditionExpression: aws.String("GSI1PK = :owner"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": strVal(userPK(userID)),
		},
		ScanIndexForward: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: ListConversations query: %w", err)
	}
	convs := make([]domain.Conversation, 0, len(items))
	for _, item := range items {
		conv, err := itemToConversation(item)
		if err != nil {
			return nil, fmt.Errorf("repository: ListConversations decode: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// CountConversations returns how many non-archived conversations userID owns.
func (c *Client) CountConversations(ctx context.Context, userID string) (int, error) {
	in := &dynamodb.QueryInput{
		TableName:                aws.String(c.tableName),
		IndexName:                aws.String(userIndexName),
		KeyConditionExpression:   aws.String("GSI1PK = :owner"),
		FilterExpression:         aws.String("#archived <> :true"),
		ExpressionAttributeNames: map[string]string{"#archived": "archived"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":owner": strVal(userPK(userID)),
			":true":  boolVal(true),
		},
		Select: types.SelectCount,
	}
	total := 0
	for {
		out, err := c.api.Query(ctx, in)
		if err != nil {
			return 0, fmt.Errorf("repository: CountConversations query: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// UpdateConversation writes the user-editable fields of conv. Counters are
// left untouched so concurrent increments are not lost.
func (c *Client) UpdateConversation(ctx context.Context, conv domain.Conversation) error {
	now := formatTime(c.now())
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conv.ID), skMeta),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression: aws.String("SET #title = :title, #systemPrompt = :systemPrompt, #pinned = :pinned, " +
			"#archived = :archived, #tags = :tags, #updatedAt = :now, GSI1SK = :now"),
		ExpressionAttributeNames: map[string]string{
			"#title":        "title",
			"#systemPrompt": "systemPrompt",
			"#pinned":       "pinned",
			"#archived":     "archived",
			"#tags":         "tags",
			"#updatedAt":    "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title":        strVal(conv.Title),
			":systemPrompt": strVal(conv.SystemPrompt),
			":pinned":       boolVal(conv.Pinned),
			":archived":     boolVal(conv.Archived),
			":tags":         strListVal(conv.Tags),
			":now":          strVal(now),
		},
	})
	return c.mapUpdateErr("UpdateConversation", err)
}

// UpdateConversationTitle sets only the title.
func (c *Client) UpdateConversationTitle(ctx context.Context, conversationID, title string) error {
	now := formatTime(c.now())
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(convPK(conversationID), skMeta),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		UpdateExpression:         aws.String("SET #title = :title, #updatedAt = :now, GSI1SK = :now"),
		ExpressionAttributeNames: map[string]string{"#title": "title", "#updatedAt": "updatedAt"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":title": strVal(title),
			":now":   strVal(now),
		},
	})
	return c.mapUpdateErr("UpdateConversationTitle", err)
}

// IncrementConversationUsage atomically adds to the conversation counters.
func (c *Client) IncrementConversationUsage(ctx context.Context, conversationID string, tokens, cost int64) error {
	now := formatTime(c.now())
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.tableName),
		Key:                 key(convPK(conversationID), skMeta),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("ADD #tokens :tokens, #cost :cost SET #updatedAt = :now, GSI1SK = :now"),
		ExpressionAttributeNames: map[string]string{
			"#tokens":    "totalTokens",
			"#cost":      "totalCost",
			"#updatedAt": "updatedAt",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens": numVal(tokens),
			":cost":   numVal(cost),
			":now":    strVal(now),
		},
	})
	return c.mapUpdateErr("IncrementConversationUsage", err)
}

// RecomputeConversationUsage re-sums the assistant messages and overwrites the
// conversation counters with the result.
func (c *Client) RecomputeConversationUsage(ctx context.Context, conversationID string) (int64, int64, error) {
	msgs, err := c.ListMessages(ctx, conversationID)
	if err != nil {
		return 0, 0, fmt.Errorf("repository: RecomputeConversationUsage: %w", err)
	}
	tokens, cost := domain.SumAssistantUsage(msgs)

	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(c.tableName),
		Key:                      key(convPK(conversationID), skMeta),
		ConditionExpression:      aws.String("attribute_exists(PK)"),
		UpdateExpression:         aws.String("SET #tokens = :tokens, #cost = :cost"),
		ExpressionAttributeNames: map[string]string{"#tokens": "totalTokens", "#cost": "totalCost"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens": numVal(tokens),
			":cost":   numVal(cost),
		},
	})
	if err := c.mapUpdateErr("RecomputeConversationUsage", err); err != nil {
		return 0, 0, err
	}
	return tokens, cost, nil
}

// DeleteConversation removes the conversation record and all its messages.
func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	items, err := c.queryAll(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": strVal(convPK(conversationID)),
		},
		ProjectionExpression: aws.String("PK, SK"),
	})
	if err != nil {
		return fmt.Errorf("repository: DeleteConversation query: %w", err)
	}
	keys := make([]map[string]types.AttributeValue, 0, len(items))
	for _, item := range items {
		keys = append(keys, map[string]types.AttributeValue{"PK": item["PK"], "SK": item["SK"]})
	}
	if err := c.batchDelete(ctx, keys); err != nil {
		return fmt.Errorf("repository: DeleteConversation: %w", err)
	}
	return nil
}

func (c *Client) mapUpdateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if isConditionFailed(err) {
		return ErrNotFound
	}
	return fmt.Errorf("repository: %s: %w", op, err)
}

func conversationItem(conv domain.Conversation) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":             strVal(convPK(conv.ID)),
		"SK":             strVal(skMeta),
		"GSI1PK":         strVal(userPK(conv.UserID)),
		"GSI1SK":         strVal(formatTime(conv.UpdatedAt)),
		"conversationId": strVal(conv.ID),
		"userId":         strVal(conv.UserID),
		"title":          strVal(conv.Title),
		"provider":       strVal(conv.Provider),
		"model":          strVal(conv.Model),
		"systemPrompt":   strVal(conv.SystemPrompt),
		"pinned":         boolVal(conv.Pinned),
		"archived":       boolVal(conv.Archived),
		"totalTokens":    numVal(conv.TotalTokens),
		"totalCost":      numVal(conv.TotalCost),
		"tags":           strListVal(conv.Tags),
		"createdAt":      strVal(formatTime(conv.CreatedAt)),
		"updatedAt":      strVal(formatTime(conv.UpdatedAt)),
	}
}

func itemToConversation(item map[string]types.AttributeValue) (domain.Conversation, error) {
	id, err := strAttr(item, "conversationId")
	if err != nil {
		return domain.Conversation{}, err
	}
	userID, err := strAttr(item, "userId")
	if err != nil {
		return domain.Conversation{}, err
	}
	totalTokens, err := int64Attr(item, "totalTokens")
	if err != nil {
		return domain.Conversation{}, err
	}
	totalCost, err := int64Attr(item, "totalCost")
	if err != nil {
		return domain.Conversation{}, err
	}
	createdAt, err := timeAttr(item, "createdAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	updatedAt, err := timeAttr(item, "updatedAt")
	if err != nil {
		return domain.Conversation{}, err
	}
	return domain.Conversation{
		ID:           id,
		UserID:       userID,
		Title:        optStrAttr(item, "title"),
		Provider:     strings.TrimSpace(optStrAttr(item, "provider")),
		Model:        optStrAttr(item, "model"),
		SystemPrompt: optStrAttr(item, "systemPrompt"),
		Pinned:       boolAttr(item, "pinned"),
		Archived:     boolAttr(item, "archived"),
		TotalTokens:  totalTokens,
		TotalCost:    totalCost,
		Tags:         strListAttr(item, "tags"),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}
