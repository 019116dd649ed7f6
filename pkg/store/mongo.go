package store

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/mahaj/studio-chat/pkg/conversation"
	"github.com/mahaj/studio-chat/pkg/model"
)

type messageDoc struct {
	ID        int64     `bson:"_id"`
	SessionID string    `bson:"sessionId"`
	Sender    string    `bson:"sender"`
	Text      string    `bson:"text"`
	CreatedAt time.Time `bson:"createdAt"`
	Read      bool      `bson:"read"`
}

func (d messageDoc) message() model.Message {
	return model.Message{
		ID:        d.ID,
		SessionID: d.SessionID,
		Sender:    model.Sender(d.Sender),
		Text:      d.Text,
		CreatedAt: d.CreatedAt.UTC(),
		Read:      d.Read,
	}
}

func docFromMessage(m model.Message) messageDoc {
	return messageDoc{
		ID:        m.ID,
		SessionID: m.SessionID,
		Sender:    string(m.Sender),
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
		Read:      m.Read,
	}
}

type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	opts   Options
	locks  sessionLocks
}

func NewMongoStore(ctx context.Context, client *mongo.Client, database string, opts Options) (*MongoStore, error) {
	coll := client.Database(database).Collection("messages")
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "sessionId", Value: 1}, {Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}},
	})
	if err != nil {
		return nil, unavailable("mongo", "migrate", err)
	}
	return &MongoStore{client: client, coll: coll, opts: opts.withDefaults()}, nil
}

func (s *MongoStore) Name() string { return "mongo" }

func (s *MongoStore) Append(ctx context.Context, sessionID string, sender model.Sender, text string) (model.Message, error) {
	unlock := s.locks.lock(sessionID)
	defer unlock()

	var prev time.Time
	var last messageDoc
	err := s.coll.FindOne(ctx,
		bson.D{{Key: "sessionId", Value: sessionID}},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}),
	).Decode(&last)
	switch {
	case err == nil:
		prev = last.CreatedAt.UTC()
	case err != mongo.ErrNoDocuments:
		return model.Message{}, unavailable(s.Name(), "append", err)
	}

	msg := s.opts.newMessage(sessionID, sender, text, prev)
	if _, err := s.coll.InsertOne(ctx, docFromMessage(msg)); err != nil {
		return model.Message{}, unavailable(s.Name(), "append", err)
	}
	if sender == model.SenderAdmin {
		if _, err := s.MarkRead(ctx, sessionID); err != nil {
			return model.Message{}, err
		}
	}
	return msg, nil
}

func (s *MongoStore) Import(ctx context.Context, msg model.Message) error {
	_, err := s.coll.InsertOne(ctx, docFromMessage(msg))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return unavailable(s.Name(), "import", err)
	}
	return nil
}

func (s *MongoStore) List(ctx context.Context, sessionID string, opts ListOptions) ([]model.Message, error) {
	filter := bson.D{
		{Key: "sessionId", Value: sessionID},
		{Key: "_id", Value: bson.D{{Key: "$gt", Value: opts.SinceID}}},
	}
	findOpts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}})
	if opts.Limit > 0 {
		findOpts.SetLimit(int64(opts.Limit))
	}

	cur, err := s.coll.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}
	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable(s.Name(), "list", err)
	}

	msgs := make([]model.Message, len(docs))
	for i, d := range docs {
		msgs[len(docs)-1-i] = d.message()
	}
	return msgs, nil
}

type conversationDoc struct {
	SessionID    string    `bson:"_id"`
	LastID       int64     `bson:"lastId"`
	LastMessage  string    `bson:"lastMessage"`
	LastSender   string    `bson:"lastSender"`
	Timestamp    time.Time `bson:"timestamp"`
	MessageCount int       `bson:"messageCount"`
	Unread       int       `bson:"unread"`
}

func (s *MongoStore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	unreadCond := bson.D{{Key: "$cond", Value: bson.A{
		bson.D{{Key: "$and", Value: bson.A{
			bson.D{{Key: "$eq", Value: bson.A{"$sender", string(model.SenderUser)}}},
			bson.D{{Key: "$eq", Value: bson.A{"$read", false}}},
		}}},
		1,
		0,
	}}}
	pipeline := mongo.Pipeline{
		{{Key: "$sort", Value: bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$sessionId"},
			{Key: "lastId", Value: bson.D{{Key: "$last", Value: "$_id"}}},
			{Key: "lastMessage", Value: bson.D{{Key: "$last", Value: "$text"}}},
			{Key: "lastSender", Value: bson.D{{Key: "$last", Value: "$sender"}}},
			{Key: "timestamp", Value: bson.D{{Key: "$last", Value: "$createdAt"}}},
			{Key: "messageCount", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "unread", Value: bson.D{{Key: "$sum", Value: unreadCond}}},
		}}},
	}

	cur, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}
	var docs []conversationDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, unavailable(s.Name(), "list_conversations", err)
	}

	convs := make([]model.Conversation, 0, len(docs))
	for _, d := range docs {
		convs = append(convs, model.Conversation{
			SessionID:     d.SessionID,
			LastMessage:   d.LastMessage,
			LastSender:    model.Sender(d.LastSender),
			Timestamp:     d.Timestamp.UTC(),
			MessageCount:  d.MessageCount,
			Unread:        d.Unread,
			LastMessageID: d.LastID,
		})
	}
	conversation.Sort(convs)
	return convs, nil
}

func (s *MongoStore) MarkRead(ctx context.Context, sessionID string) (int, error) {
	res, err := s.coll.UpdateMany(ctx,
		bson.D{
			{Key: "sessionId", Value: sessionID},
			{Key: "sender", Value: string(model.SenderUser)},
			{Key: "read", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{{Key: "read", Value: true}}}},
	)
	if err != nil {
		return 0, unavailable(s.Name(), "mark_read", err)
	}
	return int(res.ModifiedCount), nil
}

func (s *MongoStore) Purge(ctx context.Context, sessionID string) error {
	filter := bson.D{}
	if sessionID != "" {
		filter = bson.D{{Key: "sessionId", Value: sessionID}}
	}
	_, err := s.coll.DeleteMany(ctx, filter)
	return unavailable(s.Name(), "purge", err)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
