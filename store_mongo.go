package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// DefaultMongoCollection is the collection MongoStore writes to.
const DefaultMongoCollection = "audit_events"

// MongoStore implements RecordStore using MongoDB. The event id is the
// document _id, so the server enforces idempotent inserts.
type MongoStore struct {
	coll *mongo.Collection
}

// NewMongoStore returns a store backed by the named collection of db.
// An empty name selects DefaultMongoCollection.
func NewMongoStore(db *mongo.Database, collection string) *MongoStore {
	if collection == "" {
		collection = DefaultMongoCollection
	}
	return &MongoStore{coll: db.Collection(collection)}
}

// EnsureIndexes creates the partition and time index used by FindPage.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "businessObjectType", Value: 1},
			{Key: "businessObjectId", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create audit index: %w", err)
	}
	return nil
}

type eventDocument struct {
	ID                     string         `bson:"_id"`
	Schema                 string         `bson:"schema,omitempty"`
	Type                   string         `bson:"type"`
	BusinessObjectID       string         `bson:"businessObjectId"`
	BusinessObjectType     string         `bson:"businessObjectType"`
	Timestamp              time.Time      `bson:"timestamp"`
	Summary                string         `bson:"summary,omitempty"`
	SystemOfRecord         string         `bson:"systemOfRecord,omitempty"`
	RelatedBusinessObjects []string       `bson:"relatedBusinessObjects,omitempty"`
	RequestContext         RequestContext `bson:"requestContext"`
	ActivityType           string         `bson:"activityType,omitempty"`
	Data                   *string        `bson:"data,omitempty"`
	OldState               *string        `bson:"oldState,omitempty"`
	NewState               *string        `bson:"newState,omitempty"`
}

func toDocument(e AuditEvent) (eventDocument, error) {
	d := eventDocument{
		ID:                     e.EventID.String(),
		Schema:                 e.Schema,
		BusinessObjectID:       e.BusinessObject.ID.String(),
		BusinessObjectType:     e.BusinessObject.Type,
		Timestamp:              e.Timestamp.UTC(),
		Summary:                e.Summary,
		SystemOfRecord:         e.SystemOfRecord,
		RelatedBusinessObjects: relatedSet(e.RelatedBusinessObjects),
		RequestContext:         e.RequestContext,
		ActivityType:           e.ActivityType,
	}
	switch p := e.Payload.(type) {
	case ActivityPayload:
		d.Type = string(EventTypeActivity)
		d.Data = &p.Data
	case StateChangePayload:
		d.Type = string(EventTypeStateChange)
		d.OldState = &p.OldState
		d.NewState = &p.NewState
	default:
		return eventDocument{}, fmt.Errorf("%w: payload %T", ErrUnknownEventType, e.Payload)
	}
	return d, nil
}

func (d eventDocument) event() (AuditEvent, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("invalid event id %q: %w", d.ID, err)
	}
	boID, err := uuid.Parse(d.BusinessObjectID)
	if err != nil {
		return AuditEvent{}, fmt.Errorf("invalid business object id %q: %w", d.BusinessObjectID, err)
	}
	t, err := ParseEventType(d.Type)
	if err != nil {
		return AuditEvent{}, err
	}
	e := AuditEvent{
		EventID:                id,
		Schema:                 d.Schema,
		BusinessObject:         BusinessObject{ID: boID, Type: d.BusinessObjectType},
		Timestamp:              d.Timestamp.UTC(),
		Summary:                d.Summary,
		SystemOfRecord:         d.SystemOfRecord,
		RelatedBusinessObjects: d.RelatedBusinessObjects,
		RequestContext:         d.RequestContext,
		ActivityType:           d.ActivityType,
	}
	if t == EventTypeActivity {
		e.Payload = ActivityPayload{Data: deref(d.Data)}
	} else {
		e.Payload = StateChangePayload{OldState: deref(d.OldState), NewState: deref(d.NewState)}
	}
	return e, nil
}

// InsertIfAbsent implements RecordStore.
func (s *MongoStore) InsertIfAbsent(ctx context.Context, e AuditEvent) (InsertResult, error) {
	doc, err := toDocument(e)
	if err != nil {
		return 0, err
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return AlreadyExists, nil
		}
		return 0, fmt.Errorf("failed to insert audit event %s: %w", e.EventID, err)
	}
	return Inserted, nil
}

// mongoFilter renders conds as a query document. Range predicates on the same
// field are merged into one sub-document.
func mongoFilter(conds []Condition) bson.M {
	filter := bson.M{}
	for _, c := range conds {
		switch c.Field {
		case fieldBusinessObjectType:
			filter["businessObjectType"] = c.Value
		case fieldBusinessObjectID:
			filter["businessObjectId"] = c.Value.(uuid.UUID).String()
		default:
			field := sortFields[SortField(c.Field)].doc
			rng, _ := filter[field].(bson.M)
			if rng == nil {
				rng = bson.M{}
			}
			switch c.Op {
			case OpGte:
				rng["$gte"] = c.Value
			case OpLt:
				rng["$lt"] = c.Value
			default:
				rng["$eq"] = c.Value
			}
			filter[field] = rng
		}
	}
	return filter
}

// FindPage implements RecordStore.
func (s *MongoStore) FindPage(ctx context.Context, q PageQuery) ([]AuditEvent, int64, error) {
	filter := mongoFilter(q.Conditions())
	total, err := s.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	if total == 0 || q.Offset() >= total {
		return []AuditEvent{}, total, nil
	}

	field, ok := sortFields[q.SortBy]
	if !ok {
		field = sortFields[SortByTimestamp]
	}
	dir := 1
	if q.Direction == SortDesc {
		dir = -1
	}
	sort := bson.D{{Key: field.doc, Value: dir}}
	if field.doc != "_id" {
		sort = append(sort, bson.E{Key: "_id", Value: dir})
	}
	opts := options.Find().
		SetSort(sort).
		SetSkip(q.Offset()).
		SetLimit(int64(q.PageSize))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to find audit events: %w", err)
	}
	var docs []eventDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, 0, fmt.Errorf("failed to decode audit events: %w", err)
	}
	events := make([]AuditEvent, 0, len(docs))
	for _, d := range docs {
		e, err := d.event()
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	return events, total, nil
}
