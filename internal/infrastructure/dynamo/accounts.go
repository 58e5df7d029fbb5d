package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-signup-mfa/internal/config"
	"github.com/go-signup-mfa/internal/domain"
)

// Item positions inside the account creation transaction.
const (
	txReservation = iota
	txUser
	txMethod
)

// AccountRepo writes a new account (reservation confirmation, user, first auth method)
// in a single DynamoDB transaction.
type AccountRepo struct {
	client            *dynamodb.Client
	usersTable        string
	reservationsTable string
	methodsTable      string
}

func NewAccountRepo(client *dynamodb.Client, tables config.DynamoTables) *AccountRepo {
	return &AccountRepo{
		client:            client,
		usersTable:        tables.Users,
		reservationsTable: tables.EmailReservations,
		methodsTable:      tables.AuthMethods,
	}
}

// Create commits all three writes or none. A failed reservation or user condition
// maps to EMAIL_ALREADY_EXISTS; any other cancellation or error maps to SIGNUP_FAILED.
func (r *AccountRepo) Create(ctx context.Context, u *domain.User, m *domain.AuthenticationMethod, now time.Time) error {
	userItem, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	methodItem, err := attributevalue.MarshalMap(m)
	if err != nil {
		return fmt.Errorf("marshal auth method: %w", err)
	}

	items := make([]types.TransactWriteItem, 3)
	items[txReservation] = types.TransactWriteItem{
		Update: confirmUpdate(r.reservationsTable, u.Email, u.UserID, now),
	}
	items[txUser] = types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(r.usersTable),
			Item:                     userItem,
			ConditionExpression:      aws.String("attribute_not_exists(#pk)"),
			ExpressionAttributeNames: map[string]string{"#pk": fieldUserID},
		},
	}
	items[txMethod] = types.TransactWriteItem{
		Put: &types.Put{
			TableName:                aws.String(r.methodsTable),
			Item:                     methodItem,
			ConditionExpression:      aws.String("attribute_not_exists(#sk)"),
			ExpressionAttributeNames: map[string]string{"#sk": fieldMethodID},
		},
	}

	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err == nil {
		return nil
	}
	return mapAccountTxError(u, err)
}

func mapAccountTxError(u *domain.User, err error) error {
	failed, cancelled := cancelledByCondition(err)
	if !cancelled {
		return fmt.Errorf("create account %s: %v: %w", u.UserID, err, domain.ErrSignupFailed)
	}
	for _, idx := range failed {
		switch idx {
		case txReservation:
			return fmt.Errorf("reservation for %s missing or owned by another signup: %w", u.Email, domain.ErrEmailAlreadyExists)
		case txUser:
			return fmt.Errorf("user %s already exists: %w", u.UserID, domain.ErrEmailAlreadyExists)
		}
	}
	return fmt.Errorf("create account %s cancelled: %v: %w", u.UserID, err, domain.ErrSignupFailed)
}
