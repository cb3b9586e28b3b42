package catalog

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// FirestoreOptions configures NewFirestoreCatalog.
type FirestoreOptions struct {
	ProjectID       string
	Collection      string
	CredentialsFile string
}

// FirestoreCatalog stores replicas, access grants and AVUs as documents of a
// single collection, distinguished by their "type" field.
type FirestoreCatalog struct {
	client     *firestore.Client
	collection string
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func docIDReplica(dataID int64, replicaNumber int) string {
	return fmt.Sprintf("replica_%d_%06d", dataID, replicaNumber)
}

func docIDAccess(logicalPath, user string) string {
	return "access_" + encodeKey(accessKey(logicalPath, user))
}

func docIDAVU(logicalPath string, avu condinput.AVU) string {
	return "avu_" + encodeKey(logicalPath+"\x1f"+avu.Attribute+"\x1f"+avu.Value+"\x1f"+avu.Unit)
}

// NewFirestoreCatalog connects to Firestore in the given project.
func NewFirestoreCatalog(ctx context.Context, opts FirestoreOptions) (*FirestoreCatalog, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, opts.ProjectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating firestore client: %w", err)
	}

	collection := opts.Collection
	if collection == "" {
		collection = "vaultgrid"
	}
	return &FirestoreCatalog{client: client, collection: collection}, nil
}

func (c *FirestoreCatalog) collectionRef() *firestore.CollectionRef {
	return c.client.Collection(c.collection)
}

func (c *FirestoreCatalog) Ping(ctx context.Context) error {
	_, err := c.collectionRef().Limit(1).Documents(ctx).Next()
	if err != nil && err != iterator.Done {
		return err
	}
	return nil
}

func (c *FirestoreCatalog) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func replicaDoc(md *replica.Metadata, modifiedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"type":           "replica",
		"data_id":        md.DataID,
		"replica_number": int64(md.ReplicaNumber),
		"logical_path":   md.LogicalPath,
		"resource":       md.Resource,
		"physical_path":  md.PhysicalPath,
		"size":           md.Size,
		"checksum":       md.Checksum,
		"status":         int64(md.Status),
		"modified_at":    modifiedAt.UTC().Format(timeFormat),
	}
}

func (c *FirestoreCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	if !md.Status.Valid() {
		return fmt.Errorf("registering replica %s: invalid status %d", md.Key(), int(md.Status))
	}
	modifiedAt := md.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now()
	}
	docRef := c.collectionRef().Doc(docIDReplica(md.DataID, md.ReplicaNumber))
	if _, err := docRef.Set(ctx, replicaDoc(md, modifiedAt)); err != nil {
		return fmt.Errorf("registering replica %s: %w", md.Key(), err)
	}
	return nil
}

func (c *FirestoreCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	doc, err := c.collectionRef().Doc(docIDReplica(dataID, replicaNumber)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, notFound(dataID, replicaNumber)
		}
		return nil, fmt.Errorf("getting replica %d:%d: %w", dataID, replicaNumber, err)
	}
	if !doc.Exists() {
		return nil, notFound(dataID, replicaNumber)
	}
	return docToReplica(doc.Data()), nil
}

func (c *FirestoreCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	query := c.collectionRef().
		Where("type", "==", "replica").
		Where("data_id", "==", dataID)
	return c.queryReplicas(ctx, query)
}

func (c *FirestoreCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	return c.queryReplicas(ctx, c.collectionRef().Where("type", "==", "replica"))
}

func (c *FirestoreCatalog) queryReplicas(ctx context.Context, query firestore.Query) ([]replica.Metadata, error) {
	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing replicas: %w", err)
	}
	rows := make([]replica.Metadata, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, *docToReplica(doc.Data()))
	}
	sortReplicas(rows)
	return rows, nil
}

// Publish reads the target, the caller's grant and every row inside one
// Firestore transaction, then writes all rows. Firestore retries the
// function on contention, so it must stay free of side effects.
func (c *FirestoreCatalog) Publish(ctx context.Context, pc PublishContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	now := time.Now()
	return c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		refs := make([]*firestore.DocumentRef, len(pc.Rows))
		var logicalPath string
		for i, row := range pc.Rows {
			refs[i] = c.collectionRef().Doc(docIDReplica(row.DataID, row.ReplicaNumber))
			doc, err := tx.Get(refs[i])
			if status.Code(err) == codes.NotFound || (err == nil && !doc.Exists()) {
				return notFound(row.DataID, row.ReplicaNumber)
			}
			if err != nil {
				return fmt.Errorf("reading replica %s: %w", row.Key(), err)
			}
			if i == 0 {
				logicalPath, _ = doc.Data()["logical_path"].(string)
			}
		}

		if err := authorizePublish(ctx, txnAccess{c: c, tx: tx}, pc, logicalPath); err != nil {
			return err
		}

		for i := range pc.Rows {
			if err := tx.Set(refs[i], replicaDoc(&pc.Rows[i], now)); err != nil {
				return err
			}
		}
		return nil
	})
}

// txnAccess reads grants through a Firestore transaction.
type txnAccess struct {
	c  *FirestoreCatalog
	tx *firestore.Transaction
}

func (a txnAccess) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	return fmt.Errorf("access cannot be changed inside a publish transaction")
}

func (a txnAccess) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	doc, err := a.tx.Get(a.c.collectionRef().Doc(docIDAccess(logicalPath, user)))
	if status.Code(err) == codes.NotFound {
		return condinput.AccessNull, nil
	}
	if err != nil {
		return "", err
	}
	level, _ := doc.Data()["level"].(string)
	return condinput.AccessLevel(level), nil
}

func (c *FirestoreCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	docRef := c.collectionRef().Doc(docIDAccess(logicalPath, user))
	var err error
	if level == condinput.AccessNull {
		_, err = docRef.Delete(ctx)
	} else {
		_, err = docRef.Set(ctx, map[string]interface{}{
			"type":         "access",
			"logical_path": logicalPath,
			"user_name":    user,
			"level":        string(level),
		})
	}
	if err != nil {
		return fmt.Errorf("setting access on %q for %q: %w", logicalPath, user, err)
	}
	return nil
}

func (c *FirestoreCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	doc, err := c.collectionRef().Doc(docIDAccess(logicalPath, user)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return condinput.AccessNull, nil
		}
		return "", fmt.Errorf("getting access on %q for %q: %w", logicalPath, user, err)
	}
	level, _ := doc.Data()["level"].(string)
	return condinput.AccessLevel(level), nil
}

func (c *FirestoreCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	docRef := c.collectionRef().Doc(docIDAVU(logicalPath, avu))
	_, err := docRef.Create(ctx, map[string]interface{}{
		"type":         "avu",
		"logical_path": logicalPath,
		"attribute":    avu.Attribute,
		"value":        avu.Value,
		"unit":         avu.Unit,
		"seq":          time.Now().UnixNano(),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("adding avu to %q: %w", logicalPath, err)
	}
	return nil
}

func (c *FirestoreCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	docs, err := c.collectionRef().
		Where("type", "==", "avu").
		Where("logical_path", "==", logicalPath).
		Documents(ctx).GetAll()
	if err != nil {
		return nil, fmt.Errorf("listing avus on %q: %w", logicalPath, err)
	}

	sort.SliceStable(docs, func(i, j int) bool {
		return toInt64(docs[i].Data()["seq"]) < toInt64(docs[j].Data()["seq"])
	})
	out := make([]condinput.AVU, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		attr, _ := data["attribute"].(string)
		value, _ := data["value"].(string)
		unit, _ := data["unit"].(string)
		out = append(out, condinput.AVU{Attribute: attr, Value: value, Unit: unit})
	}
	return out, nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func docToReplica(data map[string]interface{}) *replica.Metadata {
	str := func(k string) string {
		s, _ := data[k].(string)
		return s
	}
	modifiedAt, _ := time.Parse(timeFormat, str("modified_at"))
	return &replica.Metadata{
		DataID:        toInt64(data["data_id"]),
		ReplicaNumber: int(toInt64(data["replica_number"])),
		LogicalPath:   str("logical_path"),
		Resource:      str("resource"),
		PhysicalPath:  str("physical_path"),
		Size:          toInt64(data["size"]),
		Checksum:      str("checksum"),
		Status:        replica.Status(toInt64(data["status"])),
		ModifiedAt:    modifiedAt,
	}
}

var _ Catalog = (*FirestoreCatalog)(nil)
