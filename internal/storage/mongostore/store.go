// Package mongostore is a MongoDB implementation of signaling.Store for
// peers that do not share a host. Candidate sequence numbers come from a
// counters collection; a database change stream wakes observers when the
// deployment supports it (replica sets), otherwise observers poll.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/petervdpas/goopcall/internal/signaling"
	"github.com/pion/webrtc/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/multierr"
)

const (
	callsCollection      = "calls"
	candidatesCollection = "call_candidates"
	countersCollection   = "counters"

	candidateCounterID = "call_candidates"
)

var (
	_ signaling.Store          = (*Store)(nil)
	_ signaling.ChangeNotifier = (*Store)(nil)
)

type sdpDoc struct {
	Type string `bson:"type"`
	SDP  string `bson:"sdp"`
}

type callDoc struct {
	ID          string    `bson:"_id"`
	Offer       sdpDoc    `bson:"offer"`
	Answer      *sdpDoc   `bson:"answer,omitempty"`
	CallerName  string    `bson:"caller_name"`
	CalleeEmail string    `bson:"callee_email"`
	Status      string    `bson:"status"`
	Timestamp   time.Time `bson:"timestamp"`
}

type candidateDoc struct {
	Seq              int64     `bson:"seq"`
	CallID           string    `bson:"call_id"`
	Side             string    `bson:"side"`
	Candidate        string    `bson:"candidate"`
	SDPMid           *string   `bson:"sdp_mid"`
	SDPMLineIndex    *uint16   `bson:"sdp_m_line_index"`
	UsernameFragment *string   `bson:"username_fragment"`
	CreatedAt        time.Time `bson:"created_at"`
}

type counterDoc struct {
	Seq int64 `bson:"seq"`
}

// Options configures Open.
type Options struct {
	URI      string
	Database string

	// TTL, when positive, installs TTL indexes that let the server expire
	// records and candidates on its own, on top of the janitor.
	TTL time.Duration
}

// Store is the MongoDB signaling store.
type Store struct {
	client     *mongo.Client
	calls      *mongo.Collection
	candidates *mongo.Collection
	counters   *mongo.Collection

	cancelCtx  context.Context
	cancelFunc context.CancelFunc
	workers    sync.WaitGroup

	listenMu  sync.Mutex
	listeners []chan struct{}
	closed    bool
}

// Open connects to MongoDB, ensures indexes and starts the change stream.
func Open(ctx context.Context, opt Options) (*Store, error) {
	if opt.Database == "" {
		opt.Database = "goopcall"
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(opt.URI))
	if err != nil {
		return nil, fmt.Errorf("mongo store: connect: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, multierr.Combine(fmt.Errorf("mongo store: ping: %w", err), client.Disconnect(context.Background()))
	}
	return New(ctx, client, opt)
}

// New builds a Store on an existing client. The Store owns the client and
// disconnects it on Close.
func New(ctx context.Context, client *mongo.Client, opt Options) (*Store, error) {
	if opt.Database == "" {
		opt.Database = "goopcall"
	}
	db := client.Database(opt.Database)
	cancelCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		client:     client,
		calls:      db.Collection(callsCollection),
		candidates: db.Collection(candidatesCollection),
		counters:   db.Collection(countersCollection),
		cancelCtx:  cancelCtx,
		cancelFunc: cancel,
	}
	if err := s.ensureIndexes(ctx, opt.TTL); err != nil {
		cancel()
		return nil, multierr.Combine(err, client.Disconnect(context.Background()))
	}

	s.workers.Add(1)
	go s.watchChanges(db)
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context, ttl time.Duration) error {
	callIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "callee_email", Value: 1},
				{Key: "status", Value: 1},
				{Key: "timestamp", Value: 1},
			},
		},
	}
	candidateIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "call_id", Value: 1},
				{Key: "side", Value: 1},
				{Key: "seq", Value: 1},
			},
		},
	}
	if ttl > 0 {
		expire := int32(ttl.Seconds())
		callsTTL, candsTTL := "calls_ttl", "call_candidates_ttl"
		callIndexes = append(callIndexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: &options.IndexOptions{Name: &callsTTL, ExpireAfterSeconds: &expire},
		})
		candidateIndexes = append(candidateIndexes, mongo.IndexModel{
			Keys:    bson.D{{Key: "created_at", Value: 1}},
			Options: &options.IndexOptions{Name: &candsTTL, ExpireAfterSeconds: &expire},
		})
	}

	if _, err := s.calls.Indexes().CreateMany(ctx, callIndexes); err != nil {
		return fmt.Errorf("mongo store: create call indexes: %w", err)
	}
	if _, err := s.candidates.Indexes().CreateMany(ctx, candidateIndexes); err != nil {
		return fmt.Errorf("mongo store: create candidate indexes: %w", err)
	}
	return nil
}

// watchChanges turns database change events into listener wakeups. Watch
// fails on standalone servers; observers then fall back to polling.
func (s *Store) watchChanges(db *mongo.Database) {
	defer s.workers.Done()

	cs, err := db.Watch(s.cancelCtx, mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "ns.coll", Value: bson.D{{Key: "$in", Value: bson.A{callsCollection, candidatesCollection}}}},
		}}},
	})
	if err != nil {
		if s.cancelCtx.Err() == nil {
			log.Printf("STORE: mongo change stream unavailable, polling only: %v", err)
		}
		return
	}
	defer cs.Close(context.Background())

	for cs.Next(s.cancelCtx) {
		s.notifyListeners()
	}
	if err := cs.Err(); err != nil && s.cancelCtx.Err() == nil {
		log.Printf("STORE: mongo change stream stopped: %v", err)
	}
}

func (s *Store) InsertCall(ctx context.Context, rec signaling.CallRecord) (signaling.CallRecord, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if _, err := s.calls.InsertOne(ctx, toCallDoc(rec)); err != nil {
		return signaling.CallRecord{}, fmt.Errorf("insert call: %w", err)
	}
	s.notifyListeners()
	return rec.Clone(), nil
}

func (s *Store) GetCall(ctx context.Context, id string) (signaling.CallRecord, error) {
	var doc callDoc
	if err := s.calls.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return signaling.CallRecord{}, signaling.ErrNotFound
		}
		return signaling.CallRecord{}, fmt.Errorf("find call: %w", err)
	}
	return fromCallDoc(doc), nil
}

func (s *Store) SetAnswer(ctx context.Context, id string, answer webrtc.SessionDescription) error {
	res, err := s.calls.UpdateOne(ctx, bson.D{
		{Key: "_id", Value: id},
		{Key: "answer", Value: bson.D{{Key: "$exists", Value: false}}},
	}, bson.D{{Key: "$set", Value: bson.D{{Key: "answer", Value: toSDPDoc(answer)}}}})
	if err != nil {
		return fmt.Errorf("set answer: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetCall(ctx, id); err != nil {
			return err
		}
		return signaling.ErrAlreadyAnswered
	}
	s.notifyListeners()
	return nil
}

func (s *Store) SetStatus(ctx context.Context, id string, status signaling.Status) error {
	res, err := s.calls.UpdateOne(ctx, bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "status", Value: string(status)}}}})
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if res.MatchedCount == 0 {
		return signaling.ErrNotFound
	}
	s.notifyListeners()
	return nil
}

func (s *Store) RingingCalls(ctx context.Context, calleeEmail string, since time.Time) ([]signaling.CallRecord, error) {
	cur, err := s.calls.Find(ctx, bson.D{
		{Key: "callee_email", Value: calleeEmail},
		{Key: "status", Value: string(signaling.StatusRinging)},
		{Key: "timestamp", Value: bson.D{{Key: "$gt", Value: since}}},
	}, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find ringing calls: %w", err)
	}
	var docs []callDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode ringing calls: %w", err)
	}
	out := make([]signaling.CallRecord, 0, len(docs))
	for _, d := range docs {
		out = append(out, fromCallDoc(d))
	}
	return out, nil
}

func (s *Store) AppendCandidate(ctx context.Context, callID string, side signaling.Side, c webrtc.ICECandidateInit) (int64, error) {
	if err := s.calls.FindOne(ctx, bson.D{{Key: "_id", Value: callID}},
		options.FindOne().SetProjection(bson.D{{Key: "_id", Value: 1}})).Err(); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, signaling.ErrNotFound
		}
		return 0, fmt.Errorf("find call: %w", err)
	}

	var ctr counterDoc
	if err := s.counters.FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: candidateCounterID}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "seq", Value: int64(1)}}}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&ctr); err != nil {
		return 0, fmt.Errorf("next candidate seq: %w", err)
	}

	doc := toCandidateDoc(c)
	doc.Seq = ctr.Seq
	doc.CallID = callID
	doc.Side = string(side)
	doc.CreatedAt = time.Now()
	if _, err := s.candidates.InsertOne(ctx, doc); err != nil {
		return 0, fmt.Errorf("insert candidate: %w", err)
	}
	s.notifyListeners()
	return ctr.Seq, nil
}

func (s *Store) CandidatesSince(ctx context.Context, callID string, side signaling.Side, after int64) ([]signaling.CandidateEntry, error) {
	cur, err := s.candidates.Find(ctx, bson.D{
		{Key: "call_id", Value: callID},
		{Key: "side", Value: string(side)},
		{Key: "seq", Value: bson.D{{Key: "$gt", Value: after}}},
	}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	defer cur.Close(ctx)

	var out []signaling.CandidateEntry
	for cur.Next(ctx) {
		var d candidateDoc
		if err := cur.Decode(&d); err != nil {
			seq, ok := cur.Current.Lookup("seq").AsInt64OK()
			if !ok {
				return nil, fmt.Errorf("decode candidate: %w", err)
			}
			log.Printf("STORE: candidate %d of %s undecodable: %v", seq, callID, err)
			out = append(out, signaling.CandidateEntry{Seq: seq, Malformed: true})
			continue
		}
		out = append(out, signaling.CandidateEntry{Seq: d.Seq, Candidate: fromCandidateDoc(d)})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteCallsBefore(ctx context.Context, before time.Time) (int64, error) {
	filter := bson.D{{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: before}}}}
	cur, err := s.calls.Find(ctx, filter, options.Find().SetProjection(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return 0, fmt.Errorf("find old calls: %w", err)
	}
	var ids []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &ids); err != nil {
		return 0, fmt.Errorf("decode old calls: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	in := make(bson.A, 0, len(ids))
	for _, id := range ids {
		in = append(in, id.ID)
	}

	if _, err := s.candidates.DeleteMany(ctx, bson.D{{Key: "call_id", Value: bson.D{{Key: "$in", Value: in}}}}); err != nil {
		return 0, fmt.Errorf("delete candidates: %w", err)
	}
	res, err := s.calls.DeleteMany(ctx, bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: in}}}})
	if err != nil {
		return 0, fmt.Errorf("delete calls: %w", err)
	}
	s.notifyListeners()
	return res.DeletedCount, nil
}

func (s *Store) Changes() (<-chan struct{}, func()) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	ch := make(chan struct{}, 1)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.listeners = append(s.listeners, ch)
	return ch, func() {
		s.listenMu.Lock()
		defer s.listenMu.Unlock()
		for i, l := range s.listeners {
			if l == ch {
				close(l)
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) notifyListeners() {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	for _, ch := range s.listeners {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// DropDatabase removes the store's database. Used by tests.
func (s *Store) DropDatabase(ctx context.Context) error {
	return s.calls.Database().Drop(ctx)
}

// Close stops the change stream, waits for it and disconnects the client.
func (s *Store) Close() error {
	s.listenMu.Lock()
	if s.closed {
		s.listenMu.Unlock()
		return nil
	}
	s.closed = true
	for _, ch := range s.listeners {
		close(ch)
	}
	s.listeners = nil
	s.listenMu.Unlock()

	s.cancelFunc()
	s.workers.Wait()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func toSDPDoc(sd webrtc.SessionDescription) sdpDoc {
	return sdpDoc{Type: sd.Type.String(), SDP: sd.SDP}
}

func fromSDPDoc(d sdpDoc) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func toCallDoc(rec signaling.CallRecord) callDoc {
	doc := callDoc{
		ID:          rec.ID,
		Offer:       toSDPDoc(rec.Offer),
		CallerName:  rec.CallerName,
		CalleeEmail: rec.CalleeEmail,
		Status:      string(rec.Status),
		Timestamp:   rec.Timestamp,
	}
	if rec.Answer != nil {
		a := toSDPDoc(*rec.Answer)
		doc.Answer = &a
	}
	return doc
}

func fromCallDoc(doc callDoc) signaling.CallRecord {
	rec := signaling.CallRecord{
		ID:          doc.ID,
		Offer:       fromSDPDoc(doc.Offer),
		CallerName:  doc.CallerName,
		CalleeEmail: doc.CalleeEmail,
		Status:      signaling.Status(doc.Status),
		Timestamp:   doc.Timestamp.UTC(),
	}
	if doc.Answer != nil {
		a := fromSDPDoc(*doc.Answer)
		rec.Answer = &a
	}
	return rec
}

func toCandidateDoc(c webrtc.ICECandidateInit) candidateDoc {
	doc := candidateDoc{Candidate: c.Candidate}
	if c.SDPMid != nil {
		val := *c.SDPMid
		doc.SDPMid = &val
	}
	if c.SDPMLineIndex != nil {
		val := *c.SDPMLineIndex
		doc.SDPMLineIndex = &val
	}
	if c.UsernameFragment != nil {
		val := *c.UsernameFragment
		doc.UsernameFragment = &val
	}
	return doc
}

func fromCandidateDoc(doc candidateDoc) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        doc.Candidate,
		SDPMid:           doc.SDPMid,
		SDPMLineIndex:    doc.SDPMLineIndex,
		UsernameFragment: doc.UsernameFragment,
	}
}
