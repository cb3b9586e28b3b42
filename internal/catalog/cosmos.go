package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	"github.com/vaultgrid/vaultgrid/internal/replica"
)

// CosmosOptions configures NewCosmosCatalog.
type CosmosOptions struct {
	Endpoint  string
	MasterKey string
	Database  string
	Container string
}

// CosmosCatalog stores the catalog in one Cosmos DB container. Replicas of a
// data object share the partition "data_<id>", which is what lets Publish
// use a transactional batch; grants and AVUs live under "path_<path>".
type CosmosCatalog struct {
	client *azcosmos.ContainerClient
}

type cosmosItem struct {
	ID            string `json:"id"`
	PartitionKey  string `json:"pk"`
	Type          string `json:"type"`
	DataID        int64  `json:"data_id,omitempty"`
	ReplicaNumber int    `json:"replica_number"`
	LogicalPath   string `json:"logical_path,omitempty"`
	Resource      string `json:"resource,omitempty"`
	PhysicalPath  string `json:"physical_path,omitempty"`
	Size          int64  `json:"size"`
	Checksum      string `json:"checksum,omitempty"`
	Status        int    `json:"status"`
	ModifiedAt    string `json:"modified_at,omitempty"`
	User          string `json:"user_name,omitempty"`
	Level         string `json:"level,omitempty"`
	Attribute     string `json:"attribute,omitempty"`
	Value         string `json:"value,omitempty"`
	Unit          string `json:"unit,omitempty"`
	Seq           int64  `json:"seq,omitempty"`
}

func partitionData(dataID int64) string {
	return fmt.Sprintf("data_%d", dataID)
}

func partitionPath(logicalPath string) string {
	return "path_" + encodeKey(logicalPath)
}

func cosmosReplicaID(replicaNumber int) string {
	return fmt.Sprintf("replica_%06d", replicaNumber)
}

// NewCosmosCatalog connects to the configured database and container.
func NewCosmosCatalog(opts CosmosOptions) (*CosmosCatalog, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("cosmos endpoint is required")
	}
	if opts.Database == "" {
		return nil, fmt.Errorf("cosmos database name is required")
	}
	if opts.Container == "" {
		return nil, fmt.Errorf("cosmos container name is required")
	}

	cred, err := azcosmos.NewKeyCredential(opts.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("creating cosmos key credential: %w", err)
	}
	client, err := azcosmos.NewClientWithKey(opts.Endpoint, cred, &azcosmos.ClientOptions{
		ClientOptions: policy.ClientOptions{},
	})
	if err != nil {
		return nil, fmt.Errorf("creating cosmos client: %w", err)
	}

	containerClient, err := client.NewContainer(opts.Database, opts.Container)
	if err != nil {
		return nil, fmt.Errorf("getting container client: %w", err)
	}
	return &CosmosCatalog{client: containerClient}, nil
}

func (c *CosmosCatalog) Ping(ctx context.Context) error {
	_, err := c.client.Read(ctx, nil)
	return err
}

func (c *CosmosCatalog) Close() error {
	return nil
}

func isCosmosNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "NotFound")
}

func replicaItem(md *replica.Metadata, modifiedAt time.Time) *cosmosItem {
	return &cosmosItem{
		ID:            cosmosReplicaID(md.ReplicaNumber),
		PartitionKey:  partitionData(md.DataID),
		Type:          "replica",
		DataID:        md.DataID,
		ReplicaNumber: md.ReplicaNumber,
		LogicalPath:   md.LogicalPath,
		Resource:      md.Resource,
		PhysicalPath:  md.PhysicalPath,
		Size:          md.Size,
		Checksum:      md.Checksum,
		Status:        int(md.Status),
		ModifiedAt:    modifiedAt.UTC().Format(timeFormat),
	}
}

func (item *cosmosItem) toReplica() *replica.Metadata {
	modifiedAt, _ := time.Parse(timeFormat, item.ModifiedAt)
	return &replica.Metadata{
		DataID:        item.DataID,
		ReplicaNumber: item.ReplicaNumber,
		LogicalPath:   item.LogicalPath,
		Resource:      item.Resource,
		PhysicalPath:  item.PhysicalPath,
		Size:          item.Size,
		Checksum:      item.Checksum,
		Status:        replica.Status(item.Status),
		ModifiedAt:    modifiedAt,
	}
}

func (c *CosmosCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	if !md.Status.Valid() {
		return fmt.Errorf("registering replica %s: invalid status %d", md.Key(), int(md.Status))
	}
	modifiedAt := md.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now()
	}
	data, err := json.Marshal(replicaItem(md, modifiedAt))
	if err != nil {
		return fmt.Errorf("marshaling replica: %w", err)
	}
	_, err = c.client.UpsertItem(ctx, azcosmos.NewPartitionKeyString(partitionData(md.DataID)), data, nil)
	if err != nil {
		return fmt.Errorf("registering replica %s: %w", md.Key(), err)
	}
	return nil
}

func (c *CosmosCatalog) readReplica(ctx context.Context, dataID int64, replicaNumber int) (*cosmosItem, azcore.ETag, error) {
	resp, err := c.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(partitionData(dataID)), cosmosReplicaID(replicaNumber), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return nil, "", notFound(dataID, replicaNumber)
		}
		return nil, "", fmt.Errorf("getting replica %d:%d: %w", dataID, replicaNumber, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return nil, "", fmt.Errorf("unmarshaling replica: %w", err)
	}
	return &item, resp.ETag, nil
}

func (c *CosmosCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	item, _, err := c.readReplica(ctx, dataID, replicaNumber)
	if err != nil {
		return nil, err
	}
	return item.toReplica(), nil
}

func (c *CosmosCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	return c.queryReplicas(ctx, "SELECT * FROM c WHERE c.type = 'replica'",
		azcosmos.NewPartitionKeyString(partitionData(dataID)))
}

// ListAllReplicas runs a cross-partition query.
func (c *CosmosCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	return c.queryReplicas(ctx, "SELECT * FROM c WHERE c.type = 'replica'", azcosmos.NewPartitionKey())
}

func (c *CosmosCatalog) queryReplicas(ctx context.Context, query string, pk azcosmos.PartitionKey) ([]replica.Metadata, error) {
	pager := c.client.NewQueryItemsPager(query, pk, nil)

	var rows []replica.Metadata
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing replicas: %w", err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			rows = append(rows, *item.toReplica())
		}
	}
	sortReplicas(rows)
	return rows, nil
}

// Publish replaces every row in a transactional batch on the data object's
// partition. Each replace is conditioned on the ETag read beforehand.
func (c *CosmosCatalog) Publish(ctx context.Context, pc PublishContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	etags := make([]azcore.ETag, len(pc.Rows))
	var logicalPath string
	for i, row := range pc.Rows {
		item, etag, err := c.readReplica(ctx, row.DataID, row.ReplicaNumber)
		if err != nil {
			return err
		}
		if i == 0 {
			logicalPath = item.LogicalPath
		}
		etags[i] = etag
	}

	if err := authorizePublish(ctx, c, pc, logicalPath); err != nil {
		return err
	}

	now := time.Now()
	batch := c.client.NewTransactionalBatch(azcosmos.NewPartitionKeyString(partitionData(pc.DataID)))
	for i := range pc.Rows {
		data, err := json.Marshal(replicaItem(&pc.Rows[i], now))
		if err != nil {
			return fmt.Errorf("marshaling replica: %w", err)
		}
		batch.ReplaceItem(cosmosReplicaID(pc.Rows[i].ReplicaNumber), data, &azcosmos.TransactionalBatchItemOptions{
			IfMatchETag: &etags[i],
		})
	}

	resp, err := c.client.ExecuteTransactionalBatch(ctx, batch, nil)
	if err != nil {
		return fmt.Errorf("publishing %d:%d: %w", pc.DataID, pc.ReplicaNumber, err)
	}
	if !resp.Success {
		for i, res := range resp.OperationResults {
			if res.StatusCode >= 400 && res.StatusCode != http.StatusFailedDependency && i < len(pc.Rows) {
				return fmt.Errorf("publishing %d:%d: replica %s rejected with status %d",
					pc.DataID, pc.ReplicaNumber, pc.Rows[i].Key(), res.StatusCode)
			}
		}
		return fmt.Errorf("publishing %d:%d: transactional batch failed", pc.DataID, pc.ReplicaNumber)
	}
	return nil
}

func (c *CosmosCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	pk := azcosmos.NewPartitionKeyString(partitionPath(logicalPath))
	id := "access_" + encodeKey(user)
	if level == condinput.AccessNull {
		_, err := c.client.DeleteItem(ctx, pk, id, nil)
		if err != nil && !isCosmosNotFound(err) {
			return fmt.Errorf("revoking access on %q for %q: %w", logicalPath, user, err)
		}
		return nil
	}

	data, err := json.Marshal(&cosmosItem{
		ID:           id,
		PartitionKey: partitionPath(logicalPath),
		Type:         "access",
		LogicalPath:  logicalPath,
		User:         user,
		Level:        string(level),
	})
	if err != nil {
		return fmt.Errorf("marshaling access: %w", err)
	}
	if _, err := c.client.UpsertItem(ctx, pk, data, nil); err != nil {
		return fmt.Errorf("setting access on %q for %q: %w", logicalPath, user, err)
	}
	return nil
}

func (c *CosmosCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	resp, err := c.client.ReadItem(ctx, azcosmos.NewPartitionKeyString(partitionPath(logicalPath)), "access_"+encodeKey(user), nil)
	if err != nil {
		if isCosmosNotFound(err) {
			return condinput.AccessNull, nil
		}
		return "", fmt.Errorf("getting access on %q for %q: %w", logicalPath, user, err)
	}
	var item cosmosItem
	if err := json.Unmarshal(resp.Value, &item); err != nil {
		return "", fmt.Errorf("unmarshaling access: %w", err)
	}
	return condinput.AccessLevel(item.Level), nil
}

func (c *CosmosCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	data, err := json.Marshal(&cosmosItem{
		ID:           "avu_" + encodeKey(avu.Attribute+"\x1f"+avu.Value+"\x1f"+avu.Unit),
		PartitionKey: partitionPath(logicalPath),
		Type:         "avu",
		LogicalPath:  logicalPath,
		Attribute:    avu.Attribute,
		Value:        avu.Value,
		Unit:         avu.Unit,
		Seq:          time.Now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("marshaling avu: %w", err)
	}
	_, err = c.client.CreateItem(ctx, azcosmos.NewPartitionKeyString(partitionPath(logicalPath)), data, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict {
			return nil
		}
		return fmt.Errorf("adding avu to %q: %w", logicalPath, err)
	}
	return nil
}

func (c *CosmosCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	pager := c.client.NewQueryItemsPager("SELECT * FROM c WHERE c.type = 'avu'",
		azcosmos.NewPartitionKeyString(partitionPath(logicalPath)), nil)

	var items []cosmosItem
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing avus on %q: %w", logicalPath, err)
		}
		for _, raw := range resp.Items {
			var item cosmosItem
			if err := json.Unmarshal(raw, &item); err != nil {
				continue
			}
			items = append(items, item)
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].Seq < items[j].Seq })
	out := make([]condinput.AVU, 0, len(items))
	for _, item := range items {
		out = append(out, condinput.AVU{Attribute: item.Attribute, Value: item.Value, Unit: item.Unit})
	}
	return out, nil
}

var _ Catalog = (*CosmosCatalog)(nil)
