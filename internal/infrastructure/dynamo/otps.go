package dynamo

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-signup-mfa/internal/domain"
)

// OTPRepo stores hashed one-time codes.
// PK: recipient, SK: purpose. TTL: ttl.
type OTPRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewOTPRepo(client *dynamodb.Client, tableName string) *OTPRepo {
	return &OTPRepo{client: client, tableName: tableName}
}

// Put replaces any code previously issued for the same recipient and purpose.
func (r *OTPRepo) Put(ctx context.Context, c *domain.OneTimeCode) error {
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return fmt.Errorf("marshal one-time code: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

func (r *OTPRepo) Get(ctx context.Context, recipient, purpose string) (*domain.OneTimeCode, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            compositeKey(fieldRecipient, recipient, fieldPurpose, purpose),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("one-time code not found: %w", domain.ErrNotFound)
	}
	var c domain.OneTimeCode
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *OTPRepo) Delete(ctx context.Context, recipient, purpose string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       compositeKey(fieldRecipient, recipient, fieldPurpose, purpose),
	})
	return err
}

// Consume deletes the code only while it still carries codeHash and has fewer than
// maxAttempts failures recorded. Of two racing verifications of the same code exactly
// one succeeds; the other, or a code locked by concurrent wrong guesses, gets ErrNotFound.
func (r *OTPRepo) Consume(ctx context.Context, recipient, purpose, codeHash string, maxAttempts int) error {
	_, err := r.client.DeleteItem(ctx, consumeInput(r.tableName, recipient, purpose, codeHash, maxAttempts))
	if isConditionFailed(err) {
		return fmt.Errorf("one-time code consumed or locked: %w", domain.ErrNotFound)
	}
	return err
}

func consumeInput(tableName, recipient, purpose, codeHash string, maxAttempts int) *dynamodb.DeleteItemInput {
	return &dynamodb.DeleteItemInput{
		TableName:           aws.String(tableName),
		Key:                 compositeKey(fieldRecipient, recipient, fieldPurpose, purpose),
		ConditionExpression: aws.String("#h = :h AND (attribute_not_exists(#a) OR #a < :max)"),
		ExpressionAttributeNames: map[string]string{
			"#h": fieldCodeHash,
			"#a": fieldAttempts,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":h":   strVal(codeHash),
			":max": numVal(int64(maxAttempts)),
		},
	}
}

// IncrementAttempts atomically bumps the failure counter of the code identified by
// codeHash and returns the stored value after the increment.
func (r *OTPRepo) IncrementAttempts(ctx context.Context, recipient, purpose, codeHash string) (int, error) {
	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 compositeKey(fieldRecipient, recipient, fieldPurpose, purpose),
		UpdateExpression:    aws.String("ADD #a :one"),
		ConditionExpression: aws.String("#h = :h"),
		ExpressionAttributeNames: map[string]string{
			"#a": fieldAttempts,
			"#h": fieldCodeHash,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": numVal(1),
			":h":   strVal(codeHash),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if isConditionFailed(err) {
		return 0, fmt.Errorf("one-time code replaced or consumed: %w", domain.ErrNotFound)
	}
	if err != nil {
		return 0, err
	}
	n, ok := out.Attributes[fieldAttempts].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("attempts missing from update result")
	}
	return strconv.Atoi(n.Value)
}
