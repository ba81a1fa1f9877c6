// Package dynamodb keeps leases in a DynamoDB table keyed by LockKey, for
// deployments where several hosts share a Postgres ledger.
package dynamodb

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/client"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/pkg/errors"
	"github.com/pullrekun/pullrekun/locking"
)

type Backend struct {
	DB        dynamodbiface.DynamoDBAPI
	LockTable string
}

// dynamoLease is a Lease with the LockKey included so it gets serialized
// with DynamoDB properly. ExpiresAt is stored as unix nanoseconds so the
// condition expression can compare it.
type dynamoLease struct {
	LockKey    string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  int64
}

func (d dynamoLease) lease() locking.Lease {
	return locking.Lease{Owner: d.Owner, AcquiredAt: d.AcquiredAt, ExpiresAt: time.Unix(0, d.ExpiresAt).UTC()}
}

func New(lockTable string, p client.ConfigProvider) Backend {
	return Backend{
		DB:        dynamodb.New(p),
		LockTable: lockTable,
	}
}

func (b Backend) key(name string) map[string]*dynamodb.AttributeValue {
	return map[string]*dynamodb.AttributeValue{"LockKey": {S: aws.String(name)}}
}

// TryLock writes the lease unless an unexpired lease of another owner is
// in the way. The check and the write are one conditional put.
func (b Backend) TryLock(ctx context.Context, name string, lease locking.Lease) (locking.TryLockResponse, error) {
	item, err := dynamodbattribute.MarshalMap(dynamoLease{
		LockKey:    name,
		Owner:      lease.Owner,
		AcquiredAt: lease.AcquiredAt,
		ExpiresAt:  lease.ExpiresAt.UnixNano(),
	})
	if err != nil {
		return locking.TryLockResponse{}, errors.Wrap(err, "serializing")
	}
	_, err = b.DB.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		Item:                item,
		TableName:           aws.String(b.LockTable),
		ConditionExpression: aws.String("attribute_not_exists(LockKey) OR #owner = :owner OR ExpiresAt <= :now"),
		// Owner is a reserved word.
		ExpressionAttributeNames: map[string]*string{"#owner": aws.String("Owner")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(lease.Owner)},
			":now":   {N: aws.String(strconv.FormatInt(lease.AcquiredAt.UnixNano(), 10))},
		},
	})
	if err == nil {
		return locking.TryLockResponse{LockAcquired: true, Holder: lease}, nil
	}
	if !isConditionFailed(err) {
		return locking.TryLockResponse{}, errors.Wrap(err, "writing lock")
	}

	// Someone else holds it, find out who.
	out, err := b.DB.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		Key:            b.key(name),
		TableName:      aws.String(b.LockTable),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return locking.TryLockResponse{}, errors.Wrap(err, "reading current lock")
	}
	var current dynamoLease
	if err := dynamodbattribute.UnmarshalMap(out.Item, &current); err != nil {
		return locking.TryLockResponse{}, errors.Wrap(err, "found an existing lock at that key but it could not be deserialized. We suggest manually deleting this key from DynamoDB")
	}
	return locking.TryLockResponse{LockAcquired: false, Holder: current.lease()}, nil
}

// Unlock deletes the lease if owner still holds it.
func (b Backend) Unlock(ctx context.Context, name string, owner string) error {
	_, err := b.DB.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		Key:                      b.key(name),
		TableName:                aws.String(b.LockTable),
		ConditionExpression:      aws.String("#owner = :owner"),
		ExpressionAttributeNames: map[string]*string{"#owner": aws.String("Owner")},
		ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
			":owner": {S: aws.String(owner)},
		},
	})
	if err != nil && !isConditionFailed(err) {
		return errors.Wrap(err, "deleting lock")
	}
	return nil
}

func (b Backend) ListLocks(ctx context.Context) (map[string]locking.Lease, error) {
	locks := make(map[string]locking.Lease)
	var internalErr error
	params := &dynamodb.ScanInput{
		TableName: aws.String(b.LockTable),
	}
	err := b.DB.ScanPagesWithContext(ctx, params, func(out *dynamodb.ScanOutput, lastPage bool) bool {
		var leases []dynamoLease
		if err := dynamodbattribute.UnmarshalListOfMaps(out.Items, &leases); err != nil {
			internalErr = errors.Wrap(err, "deserializing locks")
			return false
		}
		for _, l := range leases {
			locks[l.LockKey] = l.lease()
		}
		return !lastPage
	})
	if err == nil && internalErr != nil {
		err = internalErr
	}
	if err != nil {
		return locks, errors.Wrap(err, "scanning dynamodb")
	}
	return locks, nil
}

func isConditionFailed(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}
