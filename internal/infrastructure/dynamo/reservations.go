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

// ReservationRepo guards email uniqueness during signup.
// PK: email (normalized). TTL: expires_at, removed on confirmation.
type ReservationRepo struct {
	client    *dynamodb.Client
	tableName string
}

func NewReservationRepo(client *dynamodb.Client, tableName string) *ReservationRepo {
	return &ReservationRepo{client: client, tableName: tableName}
}

// Create writes r only if no reservation exists for the email, or the existing one is
// PENDING and already expired. Any other existing row yields EMAIL_ALREADY_EXISTS.
func (r *ReservationRepo) Create(ctx context.Context, res *domain.EmailReservation, now time.Time) error {
	item, err := attributevalue.MarshalMap(res)
	if err != nil {
		return fmt.Errorf("marshal reservation: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(#e) OR (#s = :pending AND #x <= :now)"),
		ExpressionAttributeNames: map[string]string{
			"#e": fieldEmail,
			"#s": fieldStatus,
			"#x": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": strVal(string(domain.ReservationPending)),
			":now":     numVal(now.Unix()),
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("reserve %s: %w", res.Email, domain.ErrEmailAlreadyExists)
	}
	return err
}

func (r *ReservationRepo) Get(ctx context.Context, email string) (*domain.EmailReservation, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey(fieldEmail, email),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, fmt.Errorf("reservation not found: %w", domain.ErrNotFound)
	}
	var res domain.EmailReservation
	if err := attributevalue.UnmarshalMap(out.Item, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Confirm transitions the reservation owned by userID to CONFIRMED. Confirming an
// already-confirmed reservation succeeds without changing confirmed_at.
func (r *ReservationRepo) Confirm(ctx context.Context, email, userID string, now time.Time) error {
	u := confirmUpdate(r.tableName, email, userID, now)
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if isConditionFailed(err) {
		return fmt.Errorf("confirm %s: %w", email, domain.ErrEmailAlreadyExists)
	}
	return err
}

// confirmUpdate is shared by Confirm and the account creation transaction.
func confirmUpdate(tableName, email, userID string, now time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(tableName),
		Key:                 strKey(fieldEmail, email),
		UpdateExpression:    aws.String("SET #s = :confirmed, #c = if_not_exists(#c, :now) REMOVE #x"),
		ConditionExpression: aws.String("attribute_exists(#e) AND #u = :uid AND (#s = :pending OR #s = :confirmed)"),
		ExpressionAttributeNames: map[string]string{
			"#e": fieldEmail,
			"#u": fieldUserID,
			"#s": fieldStatus,
			"#c": fieldConfirmedAt,
			"#x": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":       strVal(userID),
			":pending":   strVal(string(domain.ReservationPending)),
			":confirmed": strVal(string(domain.ReservationConfirmed)),
			":now":       strVal(now.UTC().Format(time.RFC3339Nano)),
		},
	}
}

// DeletePending removes a PENDING reservation owned by userID. Confirmed or foreign rows are left alone.
func (r *ReservationRepo) DeletePending(ctx context.Context, email, userID string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey(fieldEmail, email),
		ConditionExpression: aws.String("#u = :uid AND #s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#u": fieldUserID,
			"#s": fieldStatus,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":uid":     strVal(userID),
			":pending": strVal(string(domain.ReservationPending)),
		},
	})
	if isConditionFailed(err) {
		return fmt.Errorf("reservation not pending: %w", domain.ErrNotFound)
	}
	return err
}

// ListExpired pages through PENDING reservations whose expires_at is before now.
func (r *ReservationRepo) ListExpired(ctx context.Context, now time.Time) ([]domain.EmailReservation, error) {
	p := dynamodb.NewScanPaginator(r.client, &dynamodb.ScanInput{
		TableName:        aws.String(r.tableName),
		FilterExpression: aws.String("#s = :pending AND #x <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": fieldStatus,
			"#x": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": strVal(string(domain.ReservationPending)),
			":now":     numVal(now.Unix()),
		},
	})
	var out []domain.EmailReservation
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		var batch []domain.EmailReservation
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

// DeleteExpired removes the reservation only if it is still PENDING and expired at now,
// so a concurrent re-reservation or confirmation is never lost.
func (r *ReservationRepo) DeleteExpired(ctx context.Context, email string, now time.Time) (bool, error) {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 strKey(fieldEmail, email),
		ConditionExpression: aws.String("#s = :pending AND #x <= :now"),
		ExpressionAttributeNames: map[string]string{
			"#s": fieldStatus,
			"#x": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending": strVal(string(domain.ReservationPending)),
			":now":     numVal(now.Unix()),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
