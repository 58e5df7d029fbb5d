package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-signup-mfa/internal/domain"
)

// AuthMethodRepo manages authentication methods as children of a user.
// PK: user_id, SK: method_id.
type AuthMethodRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewAuthMethodRepo(client *dynamodb.Client, tableName string) *AuthMethodRepo {
	return &AuthMethodRepo{client: client, tableName: tableName}
}

func (r *AuthMethodRepo) Put(ctx context.Context, m *domain.AuthenticationMethod) error {
	item, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("marshal auth method: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return err
}

func (r *AuthMethodRepo) ListByUser(ctx context.Context, userID string) ([]domain.AuthenticationMethod, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		KeyConditionExpression: aws.String("#u = :uid"),
		ExpressionAttributeNames: map[string]string{
			"#u": fieldUserID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid": strVal(userID),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	var methods []domain.AuthenticationMethod
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &methods); err != nil {
		return nil, err
	}
	return methods, nil
}

// GetByType returns the user's method of the given type. A user holds at most one per type.
func (r *AuthMethodRepo) GetByType(ctx context.Context, userID string, t domain.AuthMethodType) (*domain.AuthenticationMethod, error) {
	methods, err := r.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for i := range methods {
		if methods[i].Type == t {
			return &methods[i], nil
		}
	}
	return nil, fmt.Errorf("%s method not found: %w", t, domain.ErrNotFound)
}

func (r *AuthMethodRepo) Update(ctx context.Context, userID, methodID string, updates map[string]interface{}) error {
	updates[fieldUpdatedAt] = time.Now().UTC()
	ue, err := buildUpdateExpr(updates)
	if err != nil {
		return err
	}
	ue.Names["#pk"] = fieldUserID
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       compositeKey(fieldUserID, userID, fieldMethodID, methodID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("auth method not found: %w", domain.ErrNotFound)
	}
	return err
}

// Delete hard-deletes the method row.
func (r *AuthMethodRepo) Delete(ctx context.Context, userID, methodID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       compositeKey(fieldUserID, userID, fieldMethodID, methodID),
	})
	return err
}
