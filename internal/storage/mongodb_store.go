package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore implements Store using MongoDB.
//
// Guarded transitions use FindOneAndUpdate with the guard in the filter, so
// the check and the write are one atomic document operation.
type MongoStore struct {
	client       *mongo.Client
	db           *mongo.Database
	transactions *mongo.Collection
	files        *mongo.Collection
	counters     *mongo.Collection
}

type mongoTransaction struct {
	ID               string     `bson:"_id"`
	BuyerID          string     `bson:"buyer_id"`
	SellerID         string     `bson:"seller_id"`
	AmountCents      int64      `bson:"amount_cents"`
	Currency         string     `bson:"currency"`
	Description      string     `bson:"description,omitempty"`
	Status           string     `bson:"status"`
	PaymentReceived  bool       `bson:"payment_received"`
	FileUploaded     bool       `bson:"file_uploaded"`
	PaymentIntentRef string     `bson:"payment_intent_ref,omitempty"`
	TransferRef      string     `bson:"transfer_ref,omitempty"`
	ReversalRef      string     `bson:"reversal_ref,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
	CompletedAt      *time.Time `bson:"completed_at,omitempty"`
	ExpiresAt        time.Time  `bson:"expires_at"`
}

type mongoFile struct {
	ID            string    `bson:"_id"`
	Seq           int64     `bson:"seq"`
	TransactionID string    `bson:"transaction_id"`
	Filename      string    `bson:"filename"`
	MIME          string    `bson:"mime"`
	SizeBytes     int64     `bson:"size_bytes"`
	WrappedKey    []byte    `bson:"wrapped_key"`
	IV            []byte    `bson:"iv"`
	Tag           []byte    `bson:"tag"`
	Ciphertext    []byte    `bson:"ciphertext"`
	CreatedAt     time.Time `bson:"created_at"`
}

func toMongoTransaction(tx Transaction) mongoTransaction {
	return mongoTransaction{
		ID:               tx.ID,
		BuyerID:          tx.BuyerID,
		SellerID:         tx.SellerID,
		AmountCents:      tx.AmountCents,
		Currency:         tx.Currency,
		Description:      tx.Description,
		Status:           string(tx.Status),
		PaymentReceived:  tx.PaymentReceived,
		FileUploaded:     tx.FileUploaded,
		PaymentIntentRef: tx.PaymentIntentRef,
		TransferRef:      tx.TransferRef,
		ReversalRef:      tx.ReversalRef,
		CreatedAt:        tx.CreatedAt,
		UpdatedAt:        tx.UpdatedAt,
		CompletedAt:      tx.CompletedAt,
		ExpiresAt:        tx.ExpiresAt,
	}
}

func fromMongoTransaction(doc mongoTransaction) Transaction {
	return Transaction{
		ID:               doc.ID,
		BuyerID:          doc.BuyerID,
		SellerID:         doc.SellerID,
		AmountCents:      doc.AmountCents,
		Currency:         doc.Currency,
		Description:      doc.Description,
		Status:           Status(doc.Status),
		PaymentReceived:  doc.PaymentReceived,
		FileUploaded:     doc.FileUploaded,
		PaymentIntentRef: doc.PaymentIntentRef,
		TransferRef:      doc.TransferRef,
		ReversalRef:      doc.ReversalRef,
		CreatedAt:        doc.CreatedAt,
		UpdatedAt:        doc.UpdatedAt,
		CompletedAt:      doc.CompletedAt,
		ExpiresAt:        doc.ExpiresAt,
	}
}

// NewMongoStore creates a new MongoDB-backed store.
func NewMongoStore(connectionString, database, transactionsColl, filesColl string) (*MongoStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// NOTE: client.Disconnect() error is intentionally ignored during initialization cleanup.
		// If connection fails, the Disconnect() error is not actionable and would only obscure
		// the original connection failure. The primary error is returned to the caller.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	if transactionsColl == "" {
		transactionsColl = "escrow_transactions"
	}
	if filesColl == "" {
		filesColl = "encrypted_files"
	}

	db := client.Database(database)

	store := &MongoStore{
		client:       client,
		db:           db,
		transactions: db.Collection(transactionsColl),
		files:        db.Collection(filesColl),
		counters:     db.Collection("counters"),
	}

	if err := store.createIndexes(ctx); err != nil {
		// Same rationale: Disconnect() error during initialization cleanup is not actionable
		_ = client.Disconnect(ctx)
		return nil, err
	}

	return store, nil
}

// createIndexes creates necessary indexes for collections.
func (s *MongoStore) createIndexes(ctx context.Context) error {
	// Note: _id is automatically unique in MongoDB, no need to create it
	_, err := s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "buyer_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "seller_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transaction indexes: %w", err)
	}

	_, err = s.files.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "transaction_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create file indexes: %w", err)
	}

	return nil
}

// Close implements the Store interface.
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// nextFileSeq allocates a monotonically increasing sequence number so file
// uploads have a total order even with identical timestamps.
func (s *MongoStore) nextFileSeq(ctx context.Context) (int64, error) {
	var doc struct {
		Value int64 `bson:"value"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "file_seq"},
		bson.M{"$inc": bson.M{"value": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocate file seq: %w", err)
	}
	return doc.Value, nil
}

// CreateTransaction persists a new escrow transaction.
func (s *MongoStore) CreateTransaction(ctx context.Context, tx Transaction) error {
	if err := validateAndPrepareTransaction(&tx); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.transactions.InsertOne(ctx, toMongoTransaction(tx))
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("transaction already exists: %s", tx.ID)
	}
	return err
}

// GetTransaction retrieves a transaction by ID.
func (s *MongoStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoTransaction
	err := s.transactions.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Transaction{}, ErrNotFound
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("get transaction: %w", err)
	}
	return fromMongoTransaction(doc), nil
}

// ListTransactionsByParty retrieves transactions where the actor is buyer or seller.
func (s *MongoStore) ListTransactionsByParty(ctx context.Context, actorID string) ([]Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"$or": []bson.M{
		{"buyer_id": actorID},
		{"seller_id": actorID},
	}}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := s.transactions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Transaction
	for cursor.Next(ctx) {
		var doc mongoTransaction
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode transaction: %w", err)
		}
		out = append(out, fromMongoTransaction(doc))
	}
	return out, cursor.Err()
}

// SetPaymentReceived marks the payment flag. Duplicate calls match zero
// documents and fall through to the exists check.
func (s *MongoStore) SetPaymentReceived(ctx context.Context, id, paymentIntentRef string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{"payment_received": true, "updated_at": time.Now()}
	if paymentIntentRef != "" {
		set["payment_intent_ref"] = paymentIntentRef
	}

	result, err := s.transactions.UpdateOne(ctx,
		bson.M{"_id": id, "payment_received": false},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set payment received: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	_, err = s.GetTransaction(ctx, id)
	return err
}

// SetFileUploaded marks the file flag. Idempotent like SetPaymentReceived.
func (s *MongoStore) SetFileUploaded(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.transactions.UpdateOne(ctx,
		bson.M{"_id": id, "file_uploaded": false},
		bson.M{"$set": bson.M{"file_uploaded": true, "updated_at": time.Now()}})
	if err != nil {
		return fmt.Errorf("set file uploaded: %w", err)
	}
	if result.MatchedCount > 0 {
		return nil
	}
	_, err = s.GetTransaction(ctx, id)
	return err
}

// CompleteTransaction performs the guarded completion write. The guard lives
// in the FindOneAndUpdate filter, so exactly one concurrent caller wins.
func (s *MongoStore) CompleteTransaction(ctx context.Context, id, transferRef string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now()
	filter := bson.M{
		"_id":              id,
		"status":           string(StatusPending),
		"payment_received": true,
		"file_uploaded":    true,
	}
	update := bson.M{"$set": bson.M{
		"status":       string(StatusCompleted),
		"transfer_ref": transferRef,
		"completed_at": now,
		"updated_at":   now,
	}}

	return s.findOneAndTransition(ctx, id, filter, update, "complete transaction")
}

// CancelTransaction performs the guarded cancellation write.
func (s *MongoStore) CancelTransaction(ctx context.Context, id string, allowPaid bool) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{"_id": id, "status": string(StatusPending)}
	if !allowPaid {
		filter["payment_received"] = false
	}
	update := bson.M{"$set": bson.M{
		"status":     string(StatusCancelled),
		"updated_at": time.Now(),
	}}

	return s.findOneAndTransition(ctx, id, filter, update, "cancel transaction")
}

// RefundTransaction performs the guarded completed -> refunded write.
func (s *MongoStore) RefundTransaction(ctx context.Context, id, reversalRef string) (Transaction, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{"status": string(StatusRefunded), "updated_at": time.Now()}
	if reversalRef != "" {
		set["reversal_ref"] = reversalRef
	}
	filter := bson.M{"_id": id, "status": string(StatusCompleted)}

	return s.findOneAndTransition(ctx, id, filter, bson.M{"$set": set}, "refund transaction")
}

func (s *MongoStore) findOneAndTransition(ctx context.Context, id string, filter, upd bson.M, op string) (Transaction, error) {
	var doc mongoTransaction
	err := s.transactions.FindOneAndUpdate(ctx, filter, upd,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// Guard failed: distinguish missing row from lost race.
		if _, getErr := s.GetTransaction(ctx, id); getErr != nil {
			return Transaction{}, getErr
		}
		return Transaction{}, ErrConflict
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("%s: %w", op, err)
	}
	return fromMongoTransaction(doc), nil
}

// SaveFile appends an encrypted file row.
func (s *MongoStore) SaveFile(ctx context.Context, f EncryptedFile) error {
	if err := validateAndPrepareFile(&f); err != nil {
		return err
	}

	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	seq, err := s.nextFileSeq(ctx)
	if err != nil {
		return err
	}
	f.Seq = seq

	_, err = s.files.InsertOne(ctx, mongoFile{
		ID:            f.ID,
		Seq:           f.Seq,
		TransactionID: f.TransactionID,
		Filename:      f.Filename,
		MIME:          f.MIME,
		SizeBytes:     f.SizeBytes,
		WrappedKey:    f.WrappedKey,
		IV:            f.IV,
		Tag:           f.Tag,
		Ciphertext:    f.Ciphertext,
		CreatedAt:     f.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}

// LatestFileMetadata retrieves metadata of the newest file for a transaction.
func (s *MongoStore) LatestFileMetadata(ctx context.Context, transactionID string) (FileMetadata, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.FindOne().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).
		SetProjection(bson.M{"ciphertext": 0, "wrapped_key": 0, "iv": 0, "tag": 0})

	var doc mongoFile
	err := s.files.FindOne(ctx, bson.M{"transaction_id": transactionID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return FileMetadata{}, ErrNotFound
	}
	if err != nil {
		return FileMetadata{}, fmt.Errorf("latest file metadata: %w", err)
	}

	return FileMetadata{
		ID:            doc.ID,
		TransactionID: doc.TransactionID,
		Filename:      doc.Filename,
		MIME:          doc.MIME,
		SizeBytes:     doc.SizeBytes,
		CreatedAt:     doc.CreatedAt,
	}, nil
}

// GetFileEnvelope retrieves the full envelope for one file by ID.
func (s *MongoStore) GetFileEnvelope(ctx context.Context, fileID string) (EncryptedFile, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoFile
	err := s.files.FindOne(ctx, bson.M{"_id": fileID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return EncryptedFile{}, ErrNotFound
	}
	if err != nil {
		return EncryptedFile{}, fmt.Errorf("get file envelope: %w", err)
	}

	return EncryptedFile{
		ID:            doc.ID,
		Seq:           doc.Seq,
		TransactionID: doc.TransactionID,
		Filename:      doc.Filename,
		MIME:          doc.MIME,
		SizeBytes:     doc.SizeBytes,
		WrappedKey:    doc.WrappedKey,
		IV:            doc.IV,
		Tag:           doc.Tag,
		Ciphertext:    doc.Ciphertext,
		CreatedAt:     doc.CreatedAt,
	}, nil
}
