package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/vaultgrid/vaultgrid/internal/condinput"
	ferrors "github.com/vaultgrid/vaultgrid/internal/errors"
	"github.com/vaultgrid/vaultgrid/internal/replica"
	"github.com/vaultgrid/vaultgrid/internal/session"
)

// DynamoDBAPI is the subset of the DynamoDB client the catalog uses. It
// exists so tests can substitute a mock.
type DynamoDBAPI interface {
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoDBOptions configures NewDynamoDBCatalog.
type DynamoDBOptions struct {
	Table       string
	Region      string
	EndpointURL string
}

// DynamoDBCatalog stores the catalog in a single DynamoDB table using a
// pk/sk layout: replicas under DATA#<id>/REPL#<n>, access grants and AVUs
// under PATH#<logical path>.
type DynamoDBCatalog struct {
	client    DynamoDBAPI
	tableName string
}

// NewDynamoDBCatalog creates a catalog backed by the configured table.
func NewDynamoDBCatalog(ctx context.Context, opts DynamoDBOptions) (*DynamoDBCatalog, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb table name is required")
	}
	region := opts.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	if opts.EndpointURL != "" {
		awsCfg.BaseEndpoint = aws.String(opts.EndpointURL)
	}

	return NewDynamoDBCatalogWithClient(opts.Table, dynamodb.NewFromConfig(awsCfg)), nil
}

// NewDynamoDBCatalogWithClient creates a catalog with an injected client.
func NewDynamoDBCatalogWithClient(table string, client DynamoDBAPI) *DynamoDBCatalog {
	return &DynamoDBCatalog{client: client, tableName: table}
}

func pkData(dataID int64) string {
	return fmt.Sprintf("DATA#%d", dataID)
}

func skReplica(replicaNumber int) string {
	return fmt.Sprintf("REPL#%06d", replicaNumber)
}

func pkPath(logicalPath string) string {
	return "PATH#" + logicalPath
}

func skAccess(user string) string {
	return "ACL#" + user
}

func skAVU(avu condinput.AVU) string {
	return "AVU#" + avu.Attribute + "\x1f" + avu.Value + "\x1f" + avu.Unit
}

func strAttr(s string) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s}
}

func numAttr(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", n)}
}

func (c *DynamoDBCatalog) Ping(ctx context.Context) error {
	_, err := c.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tableName),
	})
	return err
}

func (c *DynamoDBCatalog) Close() error {
	return nil
}

func (c *DynamoDBCatalog) replicaKey(dataID int64, replicaNumber int) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": strAttr(pkData(dataID)),
		"sk": strAttr(skReplica(replicaNumber)),
	}
}

func (c *DynamoDBCatalog) RegisterReplica(ctx context.Context, md *replica.Metadata) error {
	if !md.Status.Valid() {
		return fmt.Errorf("registering replica %s: invalid status %d", md.Key(), int(md.Status))
	}
	modifiedAt := md.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now()
	}

	item := c.replicaKey(md.DataID, md.ReplicaNumber)
	item["type"] = strAttr("replica")
	item["data_id"] = numAttr(md.DataID)
	item["replica_number"] = numAttr(int64(md.ReplicaNumber))
	item["logical_path"] = strAttr(md.LogicalPath)
	item["resource"] = strAttr(md.Resource)
	item["physical_path"] = strAttr(md.PhysicalPath)
	item["size"] = numAttr(md.Size)
	item["checksum"] = strAttr(md.Checksum)
	item["status"] = numAttr(int64(md.Status))
	item["modified_at"] = strAttr(modifiedAt.UTC().Format(timeFormat))

	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("registering replica %s: %w", md.Key(), err)
	}
	return nil
}

func (c *DynamoDBCatalog) GetReplica(ctx context.Context, dataID int64, replicaNumber int) (*replica.Metadata, error) {
	resp, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.tableName),
		Key:            c.replicaKey(dataID, replicaNumber),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting replica %d:%d: %w", dataID, replicaNumber, err)
	}
	if resp.Item == nil {
		return nil, notFound(dataID, replicaNumber)
	}
	return itemToReplica(resp.Item), nil
}

func (c *DynamoDBCatalog) ListReplicas(ctx context.Context, dataID int64) ([]replica.Metadata, error) {
	var rows []replica.Metadata
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strAttr(pkData(dataID)),
				":prefix": strAttr("REPL#"),
			},
			ConsistentRead: aws.Bool(true),
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := c.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing replicas of %d: %w", dataID, err)
		}
		for _, item := range resp.Items {
			rows = append(rows, *itemToReplica(item))
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	sortReplicas(rows)
	return rows, nil
}

func (c *DynamoDBCatalog) ListAllReplicas(ctx context.Context) ([]replica.Metadata, error) {
	var rows []replica.Metadata
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.ScanInput{
			TableName:        aws.String(c.tableName),
			FilterExpression: aws.String("begins_with(pk, :data) AND begins_with(sk, :repl)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":data": strAttr("DATA#"),
				":repl": strAttr("REPL#"),
			},
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := c.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing replicas: %w", err)
		}
		for _, item := range resp.Items {
			rows = append(rows, *itemToReplica(item))
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}
	sortReplicas(rows)
	return rows, nil
}

// Publish writes every row in one TransactWriteItems call. At normal
// privilege the transaction also carries a condition check on the caller's
// access item, so a grant revoked between the read and the write still
// aborts the publish.
func (c *DynamoDBCatalog) Publish(ctx context.Context, pc PublishContext) error {
	if err := pc.Validate(); err != nil {
		return err
	}

	current, err := c.GetReplica(ctx, pc.DataID, pc.ReplicaNumber)
	if err != nil {
		return err
	}
	if err := authorizePublish(ctx, c, pc, current.LogicalPath); err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeFormat)
	var items []types.TransactWriteItem
	for _, row := range pc.Rows {
		items = append(items, types.TransactWriteItem{
			Update: &types.Update{
				TableName:           aws.String(c.tableName),
				Key:                 c.replicaKey(row.DataID, row.ReplicaNumber),
				ConditionExpression: aws.String("attribute_exists(pk)"),
				UpdateExpression: aws.String("SET logical_path = :lp, #res = :res, physical_path = :pp, #size = :size, " +
					"checksum = :ck, #status = :st, modified_at = :now"),
				ExpressionAttributeNames: map[string]string{
					"#res":    "resource",
					"#size":   "size",
					"#status": "status",
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":lp":   strAttr(row.LogicalPath),
					":res":  strAttr(row.Resource),
					":pp":   strAttr(row.PhysicalPath),
					":size": numAttr(row.Size),
					":ck":   strAttr(row.Checksum),
					":st":   numAttr(int64(row.Status)),
					":now":  strAttr(now),
				},
			},
		})
	}

	accessCheck := -1
	if pc.Privilege != session.PrivilegeElevated {
		accessCheck = len(items)
		items = append(items, types.TransactWriteItem{
			ConditionCheck: &types.ConditionCheck{
				TableName: aws.String(c.tableName),
				Key: map[string]types.AttributeValue{
					"pk": strAttr(pkPath(current.LogicalPath)),
					"sk": strAttr(skAccess(pc.User)),
				},
				ConditionExpression:      aws.String("#lvl IN (:write, :own)"),
				ExpressionAttributeNames: map[string]string{"#lvl": "level"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":write": strAttr(string(condinput.AccessWrite)),
					":own":   strAttr(string(condinput.AccessOwn)),
				},
			},
		})
	}

	_, err = c.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return c.publishError(err, pc, current.LogicalPath, accessCheck)
	}
	return nil
}

// publishError maps a cancelled transaction back to the row or grant that
// failed its condition.
func (c *DynamoDBCatalog) publishError(err error, pc PublishContext, logicalPath string, accessCheck int) error {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return fmt.Errorf("publishing %d:%d: %w", pc.DataID, pc.ReplicaNumber, err)
	}
	for i, reason := range tce.CancellationReasons {
		if aws.ToString(reason.Code) != "ConditionalCheckFailed" {
			continue
		}
		if i == accessCheck {
			return ferrors.ErrAccessDenied.Withf("user %q lost write access on %q during publish", pc.User, logicalPath)
		}
		if i < len(pc.Rows) {
			return notFound(pc.Rows[i].DataID, pc.Rows[i].ReplicaNumber)
		}
	}
	return fmt.Errorf("publishing %d:%d: %w", pc.DataID, pc.ReplicaNumber, err)
}

func (c *DynamoDBCatalog) SetAccess(ctx context.Context, logicalPath, user string, level condinput.AccessLevel) error {
	key := map[string]types.AttributeValue{
		"pk": strAttr(pkPath(logicalPath)),
		"sk": strAttr(skAccess(user)),
	}
	if level == condinput.AccessNull {
		_, err := c.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(c.tableName),
			Key:       key,
		})
		if err != nil {
			return fmt.Errorf("revoking access on %q for %q: %w", logicalPath, user, err)
		}
		return nil
	}

	key["type"] = strAttr("access")
	key["logical_path"] = strAttr(logicalPath)
	key["user_name"] = strAttr(user)
	key["level"] = strAttr(string(level))
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      key,
	})
	if err != nil {
		return fmt.Errorf("setting access on %q for %q: %w", logicalPath, user, err)
	}
	return nil
}

func (c *DynamoDBCatalog) GetAccess(ctx context.Context, logicalPath, user string) (condinput.AccessLevel, error) {
	resp, err := c.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"pk": strAttr(pkPath(logicalPath)),
			"sk": strAttr(skAccess(user)),
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("getting access on %q for %q: %w", logicalPath, user, err)
	}
	if resp.Item == nil {
		return condinput.AccessNull, nil
	}
	return condinput.AccessLevel(getString(resp.Item, "level")), nil
}

func (c *DynamoDBCatalog) AddAVU(ctx context.Context, logicalPath string, avu condinput.AVU) error {
	_, err := c.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"pk":        strAttr(pkPath(logicalPath)),
			"sk":        strAttr(skAVU(avu)),
			"type":      strAttr("avu"),
			"attribute": strAttr(avu.Attribute),
			"value":     strAttr(avu.Value),
			"unit":      strAttr(avu.Unit),
			"seq":       numAttr(time.Now().UnixNano()),
		},
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) || strings.Contains(err.Error(), "ConditionalCheckFailedException") {
			return nil
		}
		return fmt.Errorf("adding avu to %q: %w", logicalPath, err)
	}
	return nil
}

func (c *DynamoDBCatalog) ListAVUs(ctx context.Context, logicalPath string) ([]condinput.AVU, error) {
	type seqAVU struct {
		seq int64
		avu condinput.AVU
	}
	var found []seqAVU
	var exclusiveStartKey map[string]types.AttributeValue
	for {
		input := &dynamodb.QueryInput{
			TableName:              aws.String(c.tableName),
			KeyConditionExpression: aws.String("pk = :pk AND begins_with(sk, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     strAttr(pkPath(logicalPath)),
				":prefix": strAttr("AVU#"),
			},
		}
		if exclusiveStartKey != nil {
			input.ExclusiveStartKey = exclusiveStartKey
		}

		resp, err := c.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("listing avus on %q: %w", logicalPath, err)
		}
		for _, item := range resp.Items {
			found = append(found, seqAVU{
				seq: getNInt(item, "seq"),
				avu: condinput.AVU{
					Attribute: getString(item, "attribute"),
					Value:     getString(item, "value"),
					Unit:      getString(item, "unit"),
				},
			})
		}

		if resp.LastEvaluatedKey == nil {
			break
		}
		exclusiveStartKey = resp.LastEvaluatedKey
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]condinput.AVU, 0, len(found))
	for _, f := range found {
		out = append(out, f.avu)
	}
	return out, nil
}

func getString(item map[string]types.AttributeValue, key string) string {
	if v, ok := item[key]; ok {
		if sv, ok := v.(*types.AttributeValueMemberS); ok {
			return sv.Value
		}
	}
	return ""
}

func getNInt(item map[string]types.AttributeValue, key string) int64 {
	if v, ok := item[key]; ok {
		if nv, ok := v.(*types.AttributeValueMemberN); ok {
			var n int64
			fmt.Sscanf(nv.Value, "%d", &n)
			return n
		}
	}
	return 0
}

func itemToReplica(item map[string]types.AttributeValue) *replica.Metadata {
	modifiedAt, _ := time.Parse(timeFormat, getString(item, "modified_at"))
	return &replica.Metadata{
		DataID:        getNInt(item, "data_id"),
		ReplicaNumber: int(getNInt(item, "replica_number")),
		LogicalPath:   getString(item, "logical_path"),
		Resource:      getString(item, "resource"),
		PhysicalPath:  getString(item, "physical_path"),
		Size:          getNInt(item, "size"),
		Checksum:      getString(item, "checksum"),
		Status:        replica.Status(getNInt(item, "status")),
		ModifiedAt:    modifiedAt,
	}
}

var _ Catalog = (*DynamoDBCatalog)(nil)
