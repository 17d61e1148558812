package store

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/uxmcp/uxmcp/pkg/errs"
	"github.com/uxmcp/uxmcp/pkg/model"
)

const (
	collServices = "services"
	collAgents   = "agents"
	collProfiles = "llm_profiles"
	collMemories = "memories"
	collFeedback = "feedback"
	collLogs     = "logs"
)

// MongoStore implements Store on top of MongoDB.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database

	services *mongoServices
	agents   *mongoAgents
	profiles *mongoProfiles
	memories *mongoMemories
	logs     *mongoLogs
	feedback *mongoFeedback
}

// NewMongoStore connects to the document database and ensures indexes.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errs.Wrap(errs.KindStoreUnavailable, "connect", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errs.Wrap(errs.KindStoreUnavailable, "ping", err)
	}

	db := client.Database(database)
	s := &MongoStore{
		client:   client,
		db:       db,
		services: &mongoServices{coll: db.Collection(collServices)},
		agents:   &mongoAgents{coll: db.Collection(collAgents)},
		profiles: &mongoProfiles{coll: db.Collection(collProfiles)},
		memories: &mongoMemories{coll: db.Collection(collMemories)},
		logs:     &mongoLogs{coll: db.Collection(collLogs)},
		feedback: &mongoFeedback{coll: db.Collection(collFeedback)},
	}

	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	nameUnique := mongo.IndexModel{
		Keys:    bson.D{{Key: "name", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	for _, coll := range []*mongo.Collection{
		s.db.Collection(collServices),
		s.db.Collection(collAgents),
		s.db.Collection(collProfiles),
	} {
		if _, err := coll.Indexes().CreateOne(ctx, nameUnique); err != nil {
			return errs.Wrap(errs.KindStoreUnavailable, "create index", err)
		}
	}

	memIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "agent_id", Value: 1}, {Key: "importance", Value: 1}}},
	}
	if _, err := s.db.Collection(collMemories).Indexes().CreateMany(ctx, memIdx); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "create memory indexes", err)
	}

	logIdx := []mongo.IndexModel{
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "execution_id", Value: 1}}},
		{Keys: bson.D{{Key: "service_id", Value: 1}, {Key: "timestamp", Value: -1}}},
	}
	if _, err := s.db.Collection(collLogs).Indexes().CreateMany(ctx, logIdx); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "create log indexes", err)
	}
	return nil
}

func (s *MongoStore) Services() Services { return s.services }
func (s *MongoStore) Agents() Agents     { return s.agents }
func (s *MongoStore) Profiles() Profiles { return s.profiles }
func (s *MongoStore) Memories() Memories { return s.memories }
func (s *MongoStore) Logs() Logs         { return s.logs }
func (s *MongoStore) Feedback() Feedback { return s.feedback }

func (s *MongoStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return errs.Wrap(errs.KindStoreUnavailable, "ping", err)
	}
	return nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// storeErr classifies driver errors: duplicate keys become StoreConflict,
// everything else StoreUnavailable.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return errs.Wrap(errs.KindStoreConflict, op, err)
	}
	return errs.Wrap(errs.KindStoreUnavailable, op, err)
}

func stamp(created *time.Time, updated *time.Time, version *int) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated != nil {
		*updated = now
	}
	if *version == 0 {
		*version = model.SchemaVersion
	}
}

// ---------------------------------------------------------------------------
// services

type mongoServices struct{ coll *mongo.Collection }

func (m *mongoServices) Put(ctx context.Context, svc *model.Service) error {
	stamp(&svc.CreatedAt, &svc.UpdatedAt, &svc.SchemaVersion)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": svc.ID}, svc, options.Replace().SetUpsert(true))
	return storeErr("put service", err)
}

func (m *mongoServices) Get(ctx context.Context, id string) (*model.Service, error) {
	var svc model.Service
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&svc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownService, "service %s not found", id)
		}
		return nil, storeErr("get service", err)
	}
	return &svc, nil
}

func (m *mongoServices) GetByName(ctx context.Context, name string) (*model.Service, error) {
	var svc model.Service
	if err := m.coll.FindOne(ctx, bson.M{"name": name}).Decode(&svc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownService, "service %q not found", name)
		}
		return nil, storeErr("get service by name", err)
	}
	return &svc, nil
}

func (m *mongoServices) List(ctx context.Context) ([]*model.Service, error) {
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, storeErr("list services", err)
	}
	var out []*model.Service
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode services", err)
	}
	return out, nil
}

func (m *mongoServices) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr("delete service", err)
	}
	if res.DeletedCount == 0 {
		return errs.Newf(errs.KindUnknownService, "service %s not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// agents

type mongoAgents struct{ coll *mongo.Collection }

func (m *mongoAgents) Put(ctx context.Context, a *model.Agent) error {
	stamp(&a.CreatedAt, &a.UpdatedAt, &a.SchemaVersion)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": a.ID}, a, options.Replace().SetUpsert(true))
	return storeErr("put agent", err)
}

func (m *mongoAgents) Get(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
		}
		return nil, storeErr("get agent", err)
	}
	return &a, nil
}

func (m *mongoAgents) GetByName(ctx context.Context, name string) (*model.Agent, error) {
	var a model.Agent
	if err := m.coll.FindOne(ctx, bson.M{"name": name}).Decode(&a); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownAgent, "agent %q not found", name)
		}
		return nil, storeErr("get agent by name", err)
	}
	return &a, nil
}

func (m *mongoAgents) List(ctx context.Context) ([]*model.Agent, error) {
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, storeErr("list agents", err)
	}
	var out []*model.Agent
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode agents", err)
	}
	return out, nil
}

func (m *mongoAgents) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr("delete agent", err)
	}
	if res.DeletedCount == 0 {
		return errs.Newf(errs.KindUnknownAgent, "agent %s not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// llm profiles

type mongoProfiles struct{ coll *mongo.Collection }

func (m *mongoProfiles) Put(ctx context.Context, p *model.LLMProfile) error {
	stamp(&p.CreatedAt, &p.UpdatedAt, &p.SchemaVersion)
	_, err := m.coll.ReplaceOne(ctx, bson.M{"_id": p.ID}, p, options.Replace().SetUpsert(true))
	return storeErr("put profile", err)
}

func (m *mongoProfiles) Get(ctx context.Context, id string) (*model.LLMProfile, error) {
	var p model.LLMProfile
	if err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
		}
		return nil, storeErr("get profile", err)
	}
	return &p, nil
}

func (m *mongoProfiles) GetByName(ctx context.Context, name string) (*model.LLMProfile, error) {
	var p model.LLMProfile
	if err := m.coll.FindOne(ctx, bson.M{"name": name}).Decode(&p); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownProfile, "profile %q not found", name)
		}
		return nil, storeErr("get profile by name", err)
	}
	return &p, nil
}

func (m *mongoProfiles) List(ctx context.Context) ([]*model.LLMProfile, error) {
	cur, err := m.coll.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, storeErr("list profiles", err)
	}
	var out []*model.LLMProfile
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode profiles", err)
	}
	return out, nil
}

func (m *mongoProfiles) Delete(ctx context.Context, id string) error {
	res, err := m.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return storeErr("delete profile", err)
	}
	if res.DeletedCount == 0 {
		return errs.Newf(errs.KindUnknownProfile, "profile %s not found", id)
	}
	return nil
}

// ---------------------------------------------------------------------------
// memories

type mongoMemories struct{ coll *mongo.Collection }

func (m *mongoMemories) Insert(ctx context.Context, rec *model.MemoryRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = model.SchemaVersion
	}
	_, err := m.coll.InsertOne(ctx, rec)
	return storeErr("insert memory", err)
}

func (m *mongoMemories) Get(ctx context.Context, agentID, id string) (*model.MemoryRecord, error) {
	var rec model.MemoryRecord
	err := m.coll.FindOne(ctx, bson.M{"_id": id, "agent_id": agentID}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.Newf(errs.KindUnknownAgent, "memory %s not found for agent %s", id, agentID)
		}
		return nil, storeErr("get memory", err)
	}
	return &rec, nil
}

func memoryFilterQuery(agentID string, f MemoryFilter) bson.M {
	q := bson.M{"agent_id": agentID}
	if len(f.ContentTypes) > 0 {
		q["content_type"] = bson.M{"$in": f.ContentTypes}
	}
	if f.MinImportance > 0 {
		q["importance"] = bson.M{"$gte": f.MinImportance}
	}
	created := bson.M{}
	if !f.After.IsZero() {
		created["$gte"] = f.After
	}
	if !f.Before.IsZero() {
		created["$lte"] = f.Before
	}
	if len(created) > 0 {
		q["created_at"] = created
	}
	if f.UserID != "" {
		q["user_id"] = f.UserID
	}
	return q
}

func (m *mongoMemories) List(ctx context.Context, agentID string, f MemoryFilter, limit int) ([]*model.MemoryRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, memoryFilterQuery(agentID, f), opts)
	if err != nil {
		return nil, storeErr("list memories", err)
	}
	var out []*model.MemoryRecord
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode memories", err)
	}
	return out, nil
}

func (m *mongoMemories) Count(ctx context.Context, agentID string) (int, error) {
	n, err := m.coll.CountDocuments(ctx, bson.M{"agent_id": agentID})
	if err != nil {
		return 0, storeErr("count memories", err)
	}
	return int(n), nil
}

func (m *mongoMemories) Delete(ctx context.Context, agentID string, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := m.coll.DeleteMany(ctx, bson.M{"agent_id": agentID, "_id": bson.M{"$in": ids}})
	if err != nil {
		return 0, storeErr("delete memories", err)
	}
	return int(res.DeletedCount), nil
}

func (m *mongoMemories) DeleteAll(ctx context.Context, agentID string) (int, error) {
	res, err := m.coll.DeleteMany(ctx, bson.M{"agent_id": agentID})
	if err != nil {
		return 0, storeErr("delete agent memories", err)
	}
	return int(res.DeletedCount), nil
}

// ---------------------------------------------------------------------------
// logs

type mongoLogs struct{ coll *mongo.Collection }

func (m *mongoLogs) Append(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]any, len(entries))
	for i := range entries {
		docs[i] = entries[i]
	}
	_, err := m.coll.InsertMany(ctx, docs)
	return storeErr("append logs", err)
}

func (m *mongoLogs) Query(ctx context.Context, q LogQuery) ([]model.LogEntry, error) {
	filter := bson.M{}
	if q.Level != "" {
		filter["level"] = q.Level
	}
	if q.Module != "" {
		filter["module"] = q.Module
	}
	if q.ExecutionID != "" {
		filter["execution_id"] = q.ExecutionID
	}
	if q.Text != "" {
		filter["message"] = bson.M{"$regex": q.Text, "$options": "i"}
	}
	ts := bson.M{}
	if !q.From.IsZero() {
		ts["$gte"] = q.From
	}
	if !q.To.IsZero() {
		ts["$lte"] = q.To
	}
	if len(ts) > 0 {
		filter["timestamp"] = ts
	}

	limit := q.Limit
	if limit <= 0 || limit > MaxLogPageSize {
		limit = MaxLogPageSize
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetLimit(int64(limit)).
		SetSkip(int64(q.Offset))

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("query logs", err)
	}
	var out []model.LogEntry
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode logs", err)
	}
	return out, nil
}

func (m *mongoLogs) DeleteByServiceAge(ctx context.Context, serviceID string, olderThanDays int) (int, error) {
	if olderThanDays < 0 || olderThanDays > MaxLogRetentionDays {
		return 0, errs.Newf(errs.KindValidationFailed, "age_days must be between 0 and %d", MaxLogRetentionDays)
	}
	filter := bson.M{
		"timestamp": bson.M{"$lt": time.Now().UTC().AddDate(0, 0, -olderThanDays)},
	}
	if serviceID != "" {
		filter["service_id"] = serviceID
	}
	res, err := m.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, storeErr("delete logs", err)
	}
	return int(res.DeletedCount), nil
}

// ---------------------------------------------------------------------------
// feedback

type mongoFeedback struct{ coll *mongo.Collection }

func (m *mongoFeedback) Insert(ctx context.Context, f *model.Feedback) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.SchemaVersion == 0 {
		f.SchemaVersion = model.SchemaVersion
	}
	_, err := m.coll.InsertOne(ctx, f)
	return storeErr("insert feedback", err)
}

func (m *mongoFeedback) List(ctx context.Context, agentID string, limit int) ([]*model.Feedback, error) {
	filter := bson.M{}
	if agentID != "" {
		filter["agent_id"] = agentID
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, storeErr("list feedback", err)
	}
	var out []*model.Feedback
	if err := cur.All(ctx, &out); err != nil {
		return nil, storeErr("decode feedback", err)
	}
	return out, nil
}

var _ Store = (*MongoStore)(nil)

// ErrNotFound reports whether err is a not-found error from any collection.
func ErrNotFound(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindUnknownService, errs.KindUnknownAgent, errs.KindUnknownProfile:
		return true
	}
	return false
}
