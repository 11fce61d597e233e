package repository

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"model-gateway/internal/domain"
)

// GetUser loads the usage record for userID or returns ErrNotFound. An absent
// tokenLimit attribute means unlimited.
func (c *Client) GetUser(ctx context.Context, userID string) (domain.User, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            key(userPK(userID), skProfile),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, ErrNotFound
	}

	user := domain.User{ID: userID}
	if user.TotalTokensUsed, err = int64Attr(out.Item, "totalTokensUsed"); err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	if user.TotalCost, err = int64Attr(out.Item, "totalCost"); err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	if user.MessageCount, err = int64Attr(out.Item, "messageCount"); err != nil {
		return domain.User{}, fmt.Errorf("repository: GetUser decode: %w", err)
	}
	if _, ok := out.Item["tokenLimit"]; ok {
		limit, err := int64Attr(out.Item, "tokenLimit")
		if err != nil {
			return domain.User{}, fmt.Errorf("repository: GetUser decode: %w", err)
		}
		user.TokenLimit = &limit
	}
	return user, nil
}

// IncrementUserUsage atomically adds one completed reply and its usage to the
// user's counters, creating the record on first use.
func (c *Client) IncrementUserUsage(ctx context.Context, userID string, tokens, cost int64) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(c.tableName),
		Key:              key(userPK(userID), skProfile),
		UpdateExpression: aws.String("ADD #tokens :tokens, #cost :cost, #messages :one SET #userId = if_not_exists(#userId, :userId)"),
		ExpressionAttributeNames: map[string]string{
			"#tokens":   "totalTokensUsed",
			"#cost":     "totalCost",
			"#messages": "messageCount",
			"#userId":   "userId",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":tokens": numVal(tokens),
			":cost":   numVal(cost),
			":one":    numVal(1),
			":userId": strVal(userID),
		},
	})
	if err != nil {
		return fmt.Errorf("repository: IncrementUserUsage: %w", err)
	}
	return nil
}
