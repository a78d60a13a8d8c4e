package store

import (
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// SortKey distinguishes the kinds of item stored under one partition key.
type SortKey string

const (
	SortKeyDocument SortKey = "DOC"
	SortKeyRecord   SortKey = "REC"
	SortKeyWorkList SortKey = "WRK"
	SortKeyClaim    SortKey = "CLM"
	SortKeySequence SortKey = "SQN"
)

func (k SortKey) String() string { return string(k) }

// Table key attributes.
const (
	AttrPK = "pk"
	AttrSK = "sk"
)

// Attributes projected into indexes or read back with items.
const (
	AttrBody     = "body"
	AttrIndexes  = "indexes"
	AttrExpireAt = "expireAt"
	AttrSCN      = "scn"
	AttrStatus   = "status"
	AttrClaimIDs = "claimIds"
)

// Attributes that key the global secondary indexes.
const (
	AttrNHSNumber                  = "nhsNumber"
	AttrCreationDatetime           = "creationDatetime"
	AttrPrescriberOrg              = "prescriberOrg"
	AttrDispenserOrg               = "dispenserOrg"
	AttrNominatedPharmacy          = "nominatedPharmacy"
	AttrIsReady                    = "isReady"
	AttrNextActivity               = "nextActivity"
	AttrNextActivityDate           = "nextActivityDate"
	AttrDocRefTitle                = "docRefTitle"
	AttrClaimNotificationStoreDate = "claimNotificationStoreDate"
	AttrStoreTime                  = "storeTime"
	AttrBackstopDeleteDate         = "backstopDeleteDate"
	AttrSequenceNumber             = "sequenceNumber"
	AttrSequenceNumberNWSSP        = "sequenceNumberNwssp"
	AttrLastModifiedDay            = "_lm_day"
	AttrLastModified               = "_riak_lm"
	AttrBatchClaimID               = "batchClaimId"
)

// Record-only attributes.
const (
	AttrRecordType     = "recordType"
	AttrReleaseVersion = "releaseVersion"
)

// GSI describes the key schema of a global secondary index.
type GSI struct {
	Name string

	// PartitionKey and SortKey name the index key attributes. SortKey is
	// empty for hash-only indexes.
	PartitionKey string
	SortKey      string

	// Projected lists non-key attributes copied into an INCLUDE projection.
	// A nil slice projects all attributes.
	Projected []string
}

// Global secondary index names.
const (
	GSINHSNumberDate              = "nhsNumberDate"
	GSIPrescriberDate             = "prescriberDate"
	GSIDispenserDate              = "dispenserDate"
	GSINominatedPharmacyStatus    = "nominatedPharmacyStatus"
	GSIClaimID                    = "claimId"
	GSINextActivityDate           = "nextActivityDate"
	GSIStoreTimeDocRefTitle       = "storeTimeDocRefTitle"
	GSIClaimNotificationStoreTime = "claimNotificationStoreTime"
	GSIBackstopDeleteDate         = "backstopDeleteDate"
	GSIClaimIDSequenceNumber      = "claimIdSequenceNumber"
	GSIClaimIDSequenceNumberNWSSP = "claimIdSequenceNumberNwssp"
	GSILastModified               = "lastModified"
)

// GSIs returns the global secondary indexes of the datastore table.
func GSIs() []GSI {
	return []GSI{
		{Name: GSINHSNumberDate, PartitionKey: AttrNHSNumber, SortKey: AttrCreationDatetime,
			Projected: []string{AttrIndexes, AttrPrescriberOrg, AttrDispenserOrg}},
		{Name: GSIPrescriberDate, PartitionKey: AttrPrescriberOrg, SortKey: AttrCreationDatetime,
			Projected: []string{AttrIndexes, AttrDispenserOrg}},
		{Name: GSIDispenserDate, PartitionKey: AttrDispenserOrg, SortKey: AttrCreationDatetime,
			Projected: []string{AttrIndexes}},
		{Name: GSINominatedPharmacyStatus, PartitionKey: AttrNominatedPharmacy, SortKey: AttrIsReady,
			Projected: []string{AttrStatus, AttrIndexes}},
		{Name: GSIClaimID, PartitionKey: AttrSK, SortKey: AttrBatchClaimID,
			Projected: []string{AttrClaimIDs}},
		{Name: GSINextActivityDate, PartitionKey: AttrNextActivity, SortKey: AttrNextActivityDate,
			Projected: []string{}},
		{Name: GSIStoreTimeDocRefTitle, PartitionKey: AttrDocRefTitle, SortKey: AttrStoreTime,
			Projected: []string{}},
		{Name: GSIClaimNotificationStoreTime, PartitionKey: AttrClaimNotificationStoreDate, SortKey: AttrStoreTime,
			Projected: []string{}},
		{Name: GSIBackstopDeleteDate, PartitionKey: AttrSK, SortKey: AttrBackstopDeleteDate,
			Projected: []string{}},
		{Name: GSIClaimIDSequenceNumber, PartitionKey: AttrSequenceNumber,
			Projected: []string{}},
		{Name: GSIClaimIDSequenceNumberNWSSP, PartitionKey: AttrSequenceNumberNWSSP,
			Projected: []string{}},
		{Name: GSILastModified, PartitionKey: AttrLastModifiedDay, SortKey: AttrLastModified,
			Projected: []string{}},
	}
}

// numericAttributes are the key attributes stored as DynamoDB numbers.
var numericAttributes = map[string]bool{
	AttrIsReady:             true,
	AttrSequenceNumber:      true,
	AttrSequenceNumberNWSSP: true,
	AttrLastModified:        true,
}

// CreateTableInput describes the datastore table with every index and
// on-demand billing. Enable TTL on AttrExpireAt separately.
func CreateTableInput(tableName string) *dynamodb.CreateTableInput {
	defined := map[string]bool{AttrPK: true, AttrSK: true}
	attrs := []types.AttributeDefinition{
		{AttributeName: aws.String(AttrPK), AttributeType: types.ScalarAttributeTypeS},
		{AttributeName: aws.String(AttrSK), AttributeType: types.ScalarAttributeTypeS},
	}
	define := func(name string) {
		if name == "" || defined[name] {
			return
		}
		defined[name] = true
		typ := types.ScalarAttributeTypeS
		if numericAttributes[name] {
			typ = types.ScalarAttributeTypeN
		}
		attrs = append(attrs, types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: typ})
	}

	var gsis []types.GlobalSecondaryIndex
	for _, g := range GSIs() {
		define(g.PartitionKey)
		define(g.SortKey)

		keySchema := []types.KeySchemaElement{
			{AttributeName: aws.String(g.PartitionKey), KeyType: types.KeyTypeHash},
		}
		if g.SortKey != "" {
			keySchema = append(keySchema, types.KeySchemaElement{AttributeName: aws.String(g.SortKey), KeyType: types.KeyTypeRange})
		}

		projection := &types.Projection{ProjectionType: types.ProjectionTypeAll}
		if len(g.Projected) > 0 {
			projection = &types.Projection{ProjectionType: types.ProjectionTypeInclude, NonKeyAttributes: g.Projected}
		} else if g.Projected != nil {
			projection = &types.Projection{ProjectionType: types.ProjectionTypeKeysOnly}
		}

		gsis = append(gsis, types.GlobalSecondaryIndex{
			IndexName:  aws.String(g.Name),
			KeySchema:  keySchema,
			Projection: projection,
		})
	}

	return &dynamodb.CreateTableInput{
		TableName:            aws.String(tableName),
		AttributeDefinitions: attrs,
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(AttrPK), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(AttrSK), KeyType: types.KeyTypeRange},
		},
		GlobalSecondaryIndexes: gsis,
		BillingMode:            types.BillingModePayPerRequest,
	}
}
