package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jteoh/virtual-tryon/internal/apperr"
)

// DynamoDB key constants for the single-table design.
const (
	ownerPKPrefix   = "OWNER#"
	sessionSKPrefix = "SESSION#"

	// storageRetries is how many times a transient DynamoDB failure is
	// retried in-store before surfacing as a storage error.
	storageRetries    = 2
	storageRetryDelay = 100 * time.Millisecond
)

// DynamoStore implements SessionStore on a single DynamoDB table with
// PK=OWNER#{ownerKey}, SK=SESSION#{sessionId}, and a TTL attribute
// expiresAt. All quota/status preconditions are expressed as
// ConditionExpressions so the check and the write are one operation.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
	now       func() time.Time
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		now:       time.Now,
	}
}

func ownerPK(ownerKey string) string    { return ownerPKPrefix + ownerKey }
func sessionSK(sessionID string) string { return sessionSKPrefix + sessionID }

func sessionKey(sessionID, ownerKey string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: ownerPK(ownerKey)},
		"SK": &types.AttributeValueMemberS{Value: sessionSK(sessionID)},
	}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func strAttr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

// conditionFailure extracts the ConditionalCheckFailedException from an
// error chain, if present. The exception carries the old item when the
// request asked for ReturnValuesOnConditionCheckFailure=ALL_OLD, which
// lets the store classify the violation without a second read.
func conditionFailure(err error) (*types.ConditionalCheckFailedException, bool) {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return ccf, true
	}
	return nil, false
}

// withRetries runs op, retrying transient failures a small fixed number
// of times. Conditional failures and context cancellation are never
// retried.
func (s *DynamoStore) withRetries(ctx context.Context, label string, op func() error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if _, ok := conditionFailure(err); ok {
			return err
		}
		if ctx.Err() != nil || attempt >= storageRetries {
			break
		}
		log.Debug().Err(err).Str("op", label).Int("attempt", attempt+1).Msg("Transient DynamoDB failure, retrying")
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.KindStorage, label, ctx.Err())
		case <-time.After(storageRetryDelay):
		}
	}
	return apperr.Wrap(apperr.KindStorage, label, err)
}

// unmarshalSession decodes a raw item into a Session, restoring the
// key-derived fields.
func unmarshalSession(item map[string]types.AttributeValue, sessionID, ownerKey string) (*Session, error) {
	var session Session
	if err := attributevalue.UnmarshalMap(item, &session); err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "unmarshal session", err)
	}
	session.ID = sessionID
	session.OwnerKey = ownerKey
	return &session, nil
}

// --- SessionStore implementation ---

func (s *DynamoStore) GetOrCreate(ctx context.Context, ownerKey string) (*Session, error) {
	existing, err := s.newestForOwner(ctx, ownerKey)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.now()
	session := &Session{
		ID:        uuid.NewString(),
		OwnerKey:  ownerKey,
		Status:    StatusCreated,
		TriesLeft: MaxTries,
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
		ExpiresAt: now.Add(SessionTTL).Unix(),
	}

	item, err := attributevalue.MarshalMap(session)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorage, "marshal session", err)
	}
	item["PK"] = strAttr(ownerPK(ownerKey))
	item["SK"] = strAttr(sessionSK(session.ID))

	// No create condition: a concurrent create for the same owner may
	// also land, but readers always select the newest non-expired
	// record, so the duplicate is inert and expires with its TTL.
	err = s.withRetries(ctx, "create session", func() error {
		_, putErr := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: &s.tableName,
			Item:      item,
		})
		return putErr
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("sessionId", session.ID).Int("triesLeft", session.TriesLeft).Msg("Session created")
	return session, nil
}

// newestForOwner queries all session records for an owner and returns
// the most recently created one that has not expired, or nil.
func (s *DynamoStore) newestForOwner(ctx context.Context, ownerKey string) (*Session, error) {
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       strAttr(ownerPK(ownerKey)),
			":skPrefix": strAttr(sessionSKPrefix),
		},
	}

	var items []map[string]types.AttributeValue
	err := s.withRetries(ctx, "query sessions", func() error {
		items = items[:0]
		in := *input
		for {
			result, qErr := s.client.Query(ctx, &in)
			if qErr != nil {
				return qErr
			}
			items = append(items, result.Items...)
			if result.LastEvaluatedKey == nil {
				return nil
			}
			in.ExclusiveStartKey = result.LastEvaluatedKey
		}
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	var newest *Session
	for _, item := range items {
		skAttr, ok := item["SK"].(*types.AttributeValueMemberS)
		if !ok {
			continue
		}
		sessionID := skAttr.Value[len(sessionSKPrefix):]
		session, uErr := unmarshalSession(item, sessionID, ownerKey)
		if uErr != nil {
			log.Warn().Err(uErr).Str("sk", skAttr.Value).Msg("Skipping undecodable session record")
			continue
		}
		if session.Expired(now) {
			continue
		}
		if newest == nil || session.CreatedAt > newest.CreatedAt {
			newest = session
		}
	}
	return newest, nil
}

func (s *DynamoStore) Get(ctx context.Context, sessionID, ownerKey string) (*Session, error) {
	var item map[string]types.AttributeValue
	err := s.withRetries(ctx, "get session", func() error {
		result, gErr := s.client.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: &s.tableName,
			Key:       sessionKey(sessionID, ownerKey),
		})
		if gErr != nil {
			return gErr
		}
		item = result.Item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperr.New(apperr.KindNotFound, "session not found")
	}

	session, err := unmarshalSession(item, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	if session.Expired(s.now()) {
		// The record physically exists until the TTL sweeper runs, but
		// an expired session must behave as if it does not.
		return nil, apperr.New(apperr.KindNotFound, "session expired")
	}
	return session, nil
}

func (s *DynamoStore) RecordValidation(ctx context.Context, sessionID, ownerKey string, result ValidationResult, imageRef string) (*Session, error) {
	now := s.now()
	newStatus := StatusValidationFailed
	if result.Valid {
		newStatus = StatusValidated
	}

	update := "SET #s = :newStatus, validationDetail = :detail, updatedAt = :upd"
	values := map[string]types.AttributeValue{
		":newStatus": strAttr(string(newStatus)),
		":detail":    strAttr(truncateMessage(result.Detail)),
		":upd":       numAttr(now.Unix()),
		":now":       numAttr(now.Unix()),
		":created":   strAttr(string(StatusCreated)),
		":validated": strAttr(string(StatusValidated)),
		":vfailed":   strAttr(string(StatusValidationFailed)),
		":failed":    strAttr(string(StatusFailed)),
	}
	if result.Valid {
		update += ", personImageRef = :ref"
		values[":ref"] = strAttr(imageRef)
	}

	out, err := s.conditionalUpdate(ctx, "record validation", &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              sessionKey(sessionID, ownerKey),
		UpdateExpression: aws.String(update),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND expiresAt > :now AND #s IN (:created, :validated, :vfailed, :failed)"),
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return nil, s.classifyFailure(err, sessionID, ownerKey, "validation not allowed from current status")
	}

	session, err := unmarshalSession(out.Attributes, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("sessionId", sessionID).Str("status", string(session.Status)).Msg("Validation outcome recorded")
	return session, nil
}

func (s *DynamoStore) ConsumeQuota(ctx context.Context, sessionID, ownerKey string) (int, error) {
	now := s.now()
	out, err := s.conditionalUpdate(ctx, "consume quota", &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              sessionKey(sessionID, ownerKey),
		UpdateExpression: aws.String("SET triesLeft = triesLeft - :one, #s = :processing, updatedAt = :upd"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND expiresAt > :now AND triesLeft > :zero AND #s = :validated"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":        numAttr(1),
			":zero":       numAttr(0),
			":processing": strAttr(string(StatusProcessing)),
			":validated":  strAttr(string(StatusValidated)),
			":upd":        numAttr(now.Unix()),
			":now":        numAttr(now.Unix()),
		},
	})
	if err != nil {
		return 0, s.classifyQuotaFailure(err)
	}

	session, err := unmarshalSession(out.Attributes, sessionID, ownerKey)
	if err != nil {
		return 0, err
	}
	log.Info().Str("sessionId", sessionID).Int("triesLeft", session.TriesLeft).Msg("Quota consumed")
	return session.TriesLeft, nil
}

func (s *DynamoStore) AttachJob(ctx context.Context, sessionID, ownerKey, jobID string) (*Session, error) {
	now := s.now()
	out, err := s.conditionalUpdate(ctx, "attach job", &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 sessionKey(sessionID, ownerKey),
		UpdateExpression:    aws.String("SET jobId = :job, updatedAt = :upd"),
		ConditionExpression: aws.String("attribute_exists(PK) AND expiresAt > :now"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":job": strAttr(jobID),
			":upd": numAttr(now.Unix()),
			":now": numAttr(now.Unix()),
		},
	})
	if err != nil {
		return nil, s.classifyFailure(err, sessionID, ownerKey, "")
	}

	session, err := unmarshalSession(out.Attributes, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("sessionId", sessionID).Str("jobId", jobID).Msg("Job attached to session")
	return session, nil
}

func (s *DynamoStore) CommitResult(ctx context.Context, sessionID, ownerKey, resultRef string) (*Session, error) {
	now := s.now()
	out, err := s.conditionalUpdate(ctx, "commit result", &dynamodb.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              sessionKey(sessionID, ownerKey),
		UpdateExpression: aws.String("SET #s = :completed, resultRef = :ref, updatedAt = :upd REMOVE errorMessage"),
		ConditionExpression: aws.String(
			"attribute_exists(PK) AND expiresAt > :now AND #s = :processing"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed":  strAttr(string(StatusCompleted)),
			":processing": strAttr(string(StatusProcessing)),
			":ref":        strAttr(resultRef),
			":upd":        numAttr(now.Unix()),
			":now":        numAttr(now.Unix()),
		},
	})
	if err != nil {
		return nil, s.classifyFailure(err, sessionID, ownerKey, "session is not processing")
	}

	session, err := unmarshalSession(out.Attributes, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", sessionID).Msg("Result committed")
	return session, nil
}

func (s *DynamoStore) CommitFailure(ctx context.Context, sessionID, ownerKey, message string) (*Session, error) {
	now := s.now()
	out, err := s.conditionalUpdate(ctx, "commit failure", &dynamodb.UpdateItemInput{
		TableName:                &s.tableName,
		Key:                      sessionKey(sessionID, ownerKey),
		UpdateExpression:         aws.String("SET #s = :failed, errorMessage = :msg, updatedAt = :upd"),
		ConditionExpression:      aws.String("attribute_exists(PK) AND expiresAt > :now"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": strAttr(string(StatusFailed)),
			":msg":    strAttr(truncateMessage(message)),
			":upd":    numAttr(now.Unix()),
			":now":    numAttr(now.Unix()),
		},
	})
	if err != nil {
		return nil, s.classifyFailure(err, sessionID, ownerKey, "")
	}

	session, err := unmarshalSession(out.Attributes, sessionID, ownerKey)
	if err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", sessionID).Msg("Failure committed")
	return session, nil
}

// --- Conditional update plumbing ---

// conditionalUpdate runs an UpdateItem with ALL_NEW return values and
// the old item attached to any conditional failure, inside the store's
// transient-retry envelope.
func (s *DynamoStore) conditionalUpdate(ctx context.Context, label string, input *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
	input.ReturnValues = types.ReturnValueAllNew
	input.ReturnValuesOnConditionCheckFailure = types.ReturnValuesOnConditionCheckFailureAllOld

	var out *dynamodb.UpdateItemOutput
	err := s.withRetries(ctx, label, func() error {
		var uErr error
		out, uErr = s.client.UpdateItem(ctx, input)
		return uErr
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", label, err)
	}
	return out, nil
}

// classifyFailure maps a conditional failure to a domain error kind by
// inspecting the old item returned with the exception: a missing or
// expired record is NotFound, anything else is InvalidState with the
// given message. Non-conditional errors pass through as storage errors.
func (s *DynamoStore) classifyFailure(err error, sessionID, ownerKey, invalidMsg string) error {
	ccf, ok := conditionFailure(err)
	if !ok {
		return err
	}
	if len(ccf.Item) == 0 {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	old, uErr := unmarshalSession(ccf.Item, sessionID, ownerKey)
	if uErr != nil || old.Expired(s.now()) {
		return apperr.New(apperr.KindNotFound, "session expired")
	}
	if invalidMsg == "" {
		invalidMsg = "operation not allowed from current status"
	}
	return apperr.Newf(apperr.KindInvalidState, "%s (status %s)", invalidMsg, old.Status)
}

// classifyQuotaFailure distinguishes the three ways a ConsumeQuota
// precondition can fail: session gone/expired, quota exhausted, or
// wrong status. Callers surface different responses for each.
func (s *DynamoStore) classifyQuotaFailure(err error) error {
	ccf, ok := conditionFailure(err)
	if !ok {
		return err
	}
	if len(ccf.Item) == 0 {
		return apperr.New(apperr.KindNotFound, "session not found")
	}
	var old Session
	if uErr := attributevalue.UnmarshalMap(ccf.Item, &old); uErr != nil {
		return apperr.Wrap(apperr.KindStorage, "unmarshal conditional failure item", uErr)
	}
	now := s.now()
	if old.Expired(now) {
		return apperr.New(apperr.KindNotFound, "session expired")
	}
	if old.TriesLeft <= 0 {
		return apperr.New(apperr.KindQuotaExceeded, "no tries left").
			WithRetryAfter(old.RetryAfter(now))
	}
	return apperr.Newf(apperr.KindInvalidState, "quota requires a validated session (status %s)", old.Status)
}
