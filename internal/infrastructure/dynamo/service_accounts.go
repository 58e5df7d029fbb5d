package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/go-signup-mfa/internal/domain"
)

// ServiceAccountRepo stores machine clients. PK: client_id.
type ServiceAccountRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewServiceAccountRepo(client *dynamodb.Client, tableName string) *ServiceAccountRepo {
	return &ServiceAccountRepo{client: client, tableName: tableName}
}

func (r *ServiceAccountRepo) Create(ctx context.Context, a *domain.ServiceAccount) error {
	item, err := attributevalue.MarshalMap(a)
	if err != nil {
		return fmt.Errorf("marshal service account: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{"#pk": fieldClientID},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("service account %s: %w", a.ClientID, domain.ErrConflict)
	}
	return err
}

func (r *ServiceAccountRepo) Get(ctx context.Context, clientID string) (*domain.ServiceAccount, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey(fieldClientID, clientID),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("service account not found: %w", domain.ErrNotFound)
	}
	var a domain.ServiceAccount
	if err := attributevalue.UnmarshalMap(out.Item, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *ServiceAccountRepo) RecordUsage(ctx context.Context, clientID, ip string, at time.Time) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldLastUsedAt:   at.UTC(),
		fieldLastUsedFrom: ip,
		fieldUpdatedAt:    at.UTC(),
	})
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey(fieldClientID, clientID),
		UpdateExpression:          aws.String(ue.Expr),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	return err
}
