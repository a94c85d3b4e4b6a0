package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/zot/databridge/internal/protocol"
)

const defaultDocumentURL = "mongodb://localhost:27017"

// DocumentAdapter wraps one MongoDB connection.
type DocumentAdapter struct {
	params ConnectParams
	log    Logger
	client *mongo.Client
	db     *mongo.Database
}

func newDocumentAdapter(params ConnectParams, log Logger) *DocumentAdapter {
	return &DocumentAdapter{params: params, log: log}
}

// Kind reports the backend kind.
func (a *DocumentAdapter) Kind() Kind { return KindDocument }

// Connect opens the client and verifies the connection.
func (a *DocumentAdapter) Connect(ctx context.Context) error {
	url := a.params.URL
	if url == "" {
		url = defaultDocumentURL
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(url))
	if err != nil {
		return &ConnectionError{Kind: KindDocument, Err: err}
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return &ConnectionError{Kind: KindDocument, Err: err}
	}

	name := a.params.DBName
	if name == "" {
		name = "mydb"
	}
	a.client = client
	a.db = client.Database(name)
	a.log.Log(1, "connected to document store %s/%s", url, name)
	return nil
}

// Close releases the client. Idempotent.
func (a *DocumentAdapter) Close() error {
	if a.client == nil {
		return nil
	}
	client := a.client
	a.client = nil
	a.db = nil
	return client.Disconnect(context.Background())
}

// Execute runs one structured command and normalizes its result by operation
// kind. Failures come back as tagged error results, never as panics or
// errors past this boundary.
func (a *DocumentAdapter) Execute(ctx context.Context, method string, cmd *protocol.Command) *protocol.Result {
	if a.db == nil {
		return a.execError(method, ErrNotBound)
	}
	if cmd == nil || cmd.Collection == "" {
		return a.execError(method, fmt.Errorf("command requires a collection"))
	}
	coll := a.db.Collection(cmd.Collection)

	switch method {
	case protocol.OpInsert:
		doc := rewriteObjectIDs(cmd.Document)
		res, err := coll.InsertOne(ctx, doc)
		if err != nil {
			return a.execError(method, err)
		}
		return protocol.SuccessResult(method, &protocol.InsertResult{
			InsertedID:  objectIDHex(res.InsertedID),
			InsertedDoc: cmd.Document,
		})

	case protocol.OpDelete:
		filter := rewriteObjectIDs(cmd.Filter)
		res, err := coll.DeleteOne(ctx, filter)
		if err != nil {
			return a.execError(method, err)
		}
		// Deleting a missing id is a successful no-op, not an error.
		return protocol.SuccessResult(method, &protocol.DeleteResult{
			DeletedID:    filterID(cmd.Filter),
			DeletedCount: res.DeletedCount,
		})

	case protocol.OpUpdate:
		filter := rewriteObjectIDs(cmd.Filter)
		if _, err := coll.UpdateOne(ctx, filter, bson.M{"$set": rewriteObjectIDs(cmd.Document)}); err != nil {
			return a.execError(method, err)
		}
		var updated bson.M
		if err := coll.FindOne(ctx, filter).Decode(&updated); err != nil && err != mongo.ErrNoDocuments {
			return a.execError(method, err)
		}
		return protocol.SuccessResult(method, &protocol.UpdateResult{
			UpdatedID:  filterID(cmd.Filter),
			UpdatedDoc: updated,
		})

	case protocol.OpGet:
		docs, err := a.find(ctx, coll, cmd)
		if err != nil {
			return a.execError(method, err)
		}
		return protocol.SuccessResult(method, docs)

	default:
		// Unrecognized kind: pass the native result through unnormalized.
		docs, err := a.find(ctx, coll, cmd)
		if err != nil {
			return a.execError(method, err)
		}
		return &protocol.Result{Status: protocol.StatusSuccess, Method: method, Result: docs}
	}
}

func (a *DocumentAdapter) find(ctx context.Context, coll *mongo.Collection, cmd *protocol.Command) ([]bson.M, error) {
	opts := options.Find()
	if cmd.Limit > 0 {
		opts.SetLimit(cmd.Limit)
	}
	cur, err := coll.Find(ctx, rewriteObjectIDs(cmd.Filter), opts)
	if err != nil {
		return nil, err
	}
	docs := []bson.M{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (a *DocumentAdapter) execError(method string, err error) *protocol.Result {
	wrapped := &ExecutionError{Kind: KindDocument, Err: err}
	a.log.Log(0, "%v", wrapped)
	return protocol.ErrorResult(method, wrapped.Error())
}

// WatchChanges prefers a native change stream and falls back to timestamp
// polling when the stream cannot be opened or fails mid-flight.
func (a *DocumentAdapter) WatchChanges(name string, fn ChangeFunc, opts WatchOptions) (*Subscription, error) {
	if a.db == nil {
		return nil, ErrNotBound
	}

	ctx, cancel := context.WithCancel(context.Background())
	stream, err := a.db.Collection(name).Watch(ctx, mongo.Pipeline{})
	if err != nil {
		cancel()
		a.log.Log(1, "change stream unavailable for %s, polling instead: %v", name, err)
		return newSubscription(a.startPolling(name, fn, opts)), nil
	}

	sub := newSubscription(cancel)
	go func() {
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var ev bson.M
			if err := stream.Decode(&ev); err != nil {
				a.log.Log(0, "change stream decode error for %s: %v", name, err)
				continue
			}
			a.log.Log(3, "change stream event for %s", name)
			fn([]Change{Change(ev)})
		}
		if ctx.Err() != nil {
			return // closed by the subscription
		}
		a.log.Log(1, "change stream for %s failed, polling instead: %v", name, stream.Err())
		stop := a.startPolling(name, fn, opts)
		if !sub.setStop(stop) {
			stop()
		}
	}()
	return sub, nil
}

// startPolling watches via an updatedAt cursor, for deployments without
// change stream support.
func (a *DocumentAdapter) startPolling(name string, fn ChangeFunc, opts WatchOptions) func() {
	coll := a.db.Collection(name)
	poll := func(since time.Time) ([]Change, error) {
		ctx, cancel := context.WithTimeout(context.Background(), opts.interval())
		defer cancel()
		cur, err := coll.Find(ctx, bson.M{"updatedAt": bson.M{"$gt": since}})
		if err != nil {
			return nil, err
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, err
		}
		changes := make([]Change, len(docs))
		for i, doc := range docs {
			changes[i] = Change(doc)
		}
		return changes, nil
	}
	return startPoller(name, opts.interval(), poll, fn, a.log)
}

// Identity returns the identity/session store backed by the users and
// sessions collections.
func (a *DocumentAdapter) Identity() IdentityStore {
	return &documentIdentity{a: a}
}

// Blobs returns the GridFS-backed bucket store.
func (a *DocumentAdapter) Blobs() BlobStore {
	return &documentBlobs{a: a}
}

// rewriteObjectIDs converts a 24-character _id hex literal into the native
// reference id so lookups match stored documents.
func rewriteObjectIDs(m map[string]interface{}) bson.M {
	out := bson.M{}
	for k, v := range m {
		if k == "_id" {
			if s, ok := v.(string); ok && len(s) == 24 {
				if oid, err := primitive.ObjectIDFromHex(s); err == nil {
					out[k] = oid
					continue
				}
			}
		}
		out[k] = v
	}
	return out
}

// filterID extracts the identifier literal from a filter for result
// normalization.
func filterID(filter map[string]interface{}) string {
	for _, key := range []string{"_id", "id"} {
		if v, ok := filter[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	return ""
}

func objectIDHex(id interface{}) string {
	if oid, ok := id.(primitive.ObjectID); ok {
		return oid.Hex()
	}
	return fmt.Sprintf("%v", id)
}

// documentIdentity persists users and sessions in their own collections.
type documentIdentity struct {
	a *DocumentAdapter
}

type userDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	Email     string             `bson:"email"`
	Password  string             `bson:"password,omitempty"`
	CreatedAt time.Time          `bson:"createdAt,omitempty"`
}

type sessionDoc struct {
	UserID    string    `bson:"userId"`
	Token     string    `bson:"token"`
	Data      string    `bson:"data,omitempty"`
	CreatedAt time.Time `bson:"createdAt,omitempty"`
	UpdatedAt time.Time `bson:"updatedAt,omitempty"`
}

func (d *documentIdentity) users() *mongo.Collection    { return d.a.db.Collection("users") }
func (d *documentIdentity) sessions() *mongo.Collection { return d.a.db.Collection("sessions") }

func (d *documentIdentity) SignUp(ctx context.Context, email, password string) (string, error) {
	err := d.users().FindOne(ctx, bson.M{"email": email}).Err()
	if err == nil {
		return "", ErrDuplicateIdentity
	}
	if err != mongo.ErrNoDocuments {
		return "", err
	}

	hash, err := hashPassword(password)
	if err != nil {
		return "", err
	}
	res, err := d.users().InsertOne(ctx, userDoc{
		Email:     email,
		Password:  hash,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return "", err
	}
	return objectIDHex(res.InsertedID), nil
}

func (d *documentIdentity) SignIn(ctx context.Context, email, password string) (*User, error) {
	var doc userDoc
	err := d.users().FindOne(ctx, bson.M{"email": email}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkPassword(doc.Password, password) {
		return nil, ErrInvalidCredentials
	}
	return &User{ID: doc.ID.Hex(), Email: doc.Email, CreatedAt: doc.CreatedAt}, nil
}

func (d *documentIdentity) GetUser(ctx context.Context, userID string) (*User, error) {
	oid, err := primitive.ObjectIDFromHex(userID)
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	var doc userDoc
	err = d.users().FindOne(ctx, bson.M{"_id": oid},
		options.FindOne().SetProjection(bson.M{"password": 0})).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &User{ID: doc.ID.Hex(), Email: doc.Email, CreatedAt: doc.CreatedAt}, nil
}

func (d *documentIdentity) GetUsers(ctx context.Context, userIDs []string) ([]User, error) {
	oids := make([]primitive.ObjectID, 0, len(userIDs))
	for _, id := range userIDs {
		if oid, err := primitive.ObjectIDFromHex(id); err == nil {
			oids = append(oids, oid)
		}
	}
	cur, err := d.users().Find(ctx, bson.M{"_id": bson.M{"$in": oids}},
		options.Find().SetProjection(bson.M{"password": 0}))
	if err != nil {
		return nil, err
	}
	return decodeUsers(ctx, cur)
}

func (d *documentIdentity) ListUsers(ctx context.Context) ([]User, error) {
	cur, err := d.users().Find(ctx, bson.M{},
		options.Find().SetProjection(bson.M{"password": 0}))
	if err != nil {
		return nil, err
	}
	return decodeUsers(ctx, cur)
}

func decodeUsers(ctx context.Context, cur *mongo.Cursor) ([]User, error) {
	var docs []userDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	users := make([]User, len(docs))
	for i, doc := range docs {
		users[i] = User{ID: doc.ID.Hex(), Email: doc.Email, CreatedAt: doc.CreatedAt}
	}
	return users, nil
}

func (d *documentIdentity) SetSession(ctx context.Context, userID, sessionID string) error {
	now := time.Now()
	_, err := d.sessions().InsertOne(ctx, sessionDoc{
		UserID:    userID,
		Token:     sessionID,
		CreatedAt: now,
		UpdatedAt: now,
	})
	return err
}

func (d *documentIdentity) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var doc sessionDoc
	err := d.sessions().FindOne(ctx, bson.M{"token": sessionID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, fmt.Errorf("session: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc.session(), nil
}

func (d *documentIdentity) GetSessions(ctx context.Context, userID string) ([]Session, error) {
	cur, err := d.sessions().Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, err
	}
	var docs []sessionDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	sessions := make([]Session, len(docs))
	for i, doc := range docs {
		sessions[i] = *doc.session()
	}
	return sessions, nil
}

func (doc *sessionDoc) session() *Session {
	s := &Session{
		UserID:    doc.UserID,
		SessionID: doc.Token,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
	if doc.Data != "" {
		s.Data = json.RawMessage(doc.Data)
	}
	return s
}

func (d *documentIdentity) ChangeSession(ctx context.Context, sessionID string, data json.RawMessage) error {
	res, err := d.sessions().UpdateOne(ctx, bson.M{"token": sessionID},
		bson.M{"$set": bson.M{"data": string(data), "updatedAt": time.Now()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

func (d *documentIdentity) KillSession(ctx context.Context, sessionID string) error {
	res, err := d.sessions().DeleteOne(ctx, bson.M{"token": sessionID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("session: %w", ErrNotFound)
	}
	return nil
}

func (d *documentIdentity) KillSessions(ctx context.Context, userID string) (int64, error) {
	res, err := d.sessions().DeleteMany(ctx, bson.M{"userId": userID})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

// documentBlobs stores buckets as GridFS bucket pairs named by bucket id.
type documentBlobs struct {
	a *DocumentAdapter
}

func (b *documentBlobs) bucket(bucketID string) (*gridfs.Bucket, error) {
	return gridfs.NewBucket(b.a.db, options.GridFSBucket().SetName(bucketID))
}

func (b *documentBlobs) CreateBucket(ctx context.Context) (string, error) {
	id := "bucket-" + uuid.NewString()
	// GridFS collections are lazy; create the files collection up front so
	// empty buckets show up in listings.
	if err := b.a.db.CreateCollection(ctx, id+".files"); err != nil {
		return "", err
	}
	if err := b.a.db.CreateCollection(ctx, id+".chunks"); err != nil {
		return "", err
	}
	return id, nil
}

func (b *documentBlobs) UploadFile(ctx context.Context, bucketID, name string, data []byte) (string, error) {
	bucket, err := b.bucket(bucketID)
	if err != nil {
		return "", err
	}
	fileID, err := bucket.UploadFromStream(name, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	return fileID.Hex(), nil
}

func (b *documentBlobs) GetFile(ctx context.Context, bucketID, fileID string) (*File, error) {
	bucket, err := b.bucket(bucketID)
	if err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return nil, fmt.Errorf("file %q: %w", fileID, ErrNotFound)
	}

	infos, err := b.listFiles(ctx, bucket, bson.M{"_id": oid})
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("file %q: %w", fileID, ErrNotFound)
	}

	var buf bytes.Buffer
	if _, err := bucket.DownloadToStream(oid, &buf); err != nil {
		return nil, err
	}
	return &File{ID: fileID, Name: infos[0].Name, Data: buf.Bytes()}, nil
}

func (b *documentBlobs) ListFiles(ctx context.Context, bucketID string) ([]FileInfo, error) {
	bucket, err := b.bucket(bucketID)
	if err != nil {
		return nil, err
	}
	return b.listFiles(ctx, bucket, bson.M{})
}

type gridFileDoc struct {
	ID         primitive.ObjectID `bson:"_id"`
	Name       string             `bson:"filename"`
	Length     int64              `bson:"length"`
	UploadDate time.Time          `bson:"uploadDate"`
}

func (b *documentBlobs) listFiles(ctx context.Context, bucket *gridfs.Bucket, filter bson.M) ([]FileInfo, error) {
	cur, err := bucket.Find(filter)
	if err != nil {
		return nil, err
	}
	var docs []gridFileDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	infos := make([]FileInfo, len(docs))
	for i, doc := range docs {
		infos[i] = FileInfo{
			ID:       doc.ID.Hex(),
			Name:     doc.Name,
			Length:   doc.Length,
			Uploaded: doc.UploadDate,
		}
	}
	return infos, nil
}

func (b *documentBlobs) DeleteFile(ctx context.Context, bucketID, fileID string) error {
	bucket, err := b.bucket(bucketID)
	if err != nil {
		return err
	}
	oid, err := primitive.ObjectIDFromHex(fileID)
	if err != nil {
		return fmt.Errorf("file %q: %w", fileID, ErrNotFound)
	}
	return bucket.Delete(oid)
}

func (b *documentBlobs) ListBuckets(ctx context.Context) ([]string, error) {
	names, err := b.a.db.ListCollectionNames(ctx, bson.M{"name": bson.M{"$regex": `\.files$`}})
	if err != nil {
		return nil, err
	}
	buckets := make([]string, 0, len(names))
	for _, name := range names {
		buckets = append(buckets, name[:len(name)-len(".files")])
	}
	return buckets, nil
}

func (b *documentBlobs) DeleteBucket(ctx context.Context, bucketID string) error {
	bucket, err := b.bucket(bucketID)
	if err != nil {
		return err
	}
	return bucket.Drop()
}

func (b *documentBlobs) RenameBucket(ctx context.Context, oldID, newID string) error {
	admin := b.a.client.Database("admin")
	dbName := b.a.db.Name()
	for _, suffix := range []string{".files", ".chunks"} {
		res := admin.RunCommand(ctx, bson.D{
			{Key: "renameCollection", Value: dbName + "." + oldID + suffix},
			{Key: "to", Value: dbName + "." + newID + suffix},
		})
		if err := res.Err(); err != nil {
			return err
		}
	}
	return nil
}
