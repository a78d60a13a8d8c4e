package store

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Batch claim fields read when a claim is stored.
const (
	claimFieldBatchGUID           = "Batch GUID"
	claimFieldClaimIDs            = "Claim ID List"
	claimFieldHandleTime          = "Handle Time"
	claimFieldSequenceNumber      = "Sequence Number"
	claimFieldNWSSPSequenceNumber = "Nwssp Sequence Number"
	claimFieldMetadata            = "Claim Metadata"
	claimFieldBackwardIncompat    = "Backward Incompatible"
)

// StoreBatchClaim stores a batch claim under its batch GUID. It is indexed
// by each claim id it carries, its handle time and its sequence number so
// that batches can be found again for resending. The batch XML is dropped
// when the claim metadata is enough to rebuild it.
func (s *Store) StoreBatchClaim(ctx context.Context, claim map[string]any) error {
	key, _ := claim[claimFieldBatchGUID].(string)
	if key == "" {
		return s.keyError(key, SortKeyClaim, ErrInvalidKey)
	}
	logger := s.log(ctx).With("batchClaimID", key)

	claimIDs := stringSlice(claim[claimFieldClaimIDs])
	handleTime, _ := claim[claimFieldHandleTime].(string)
	seq, ok := toInt64(claim[claimFieldSequenceNumber])
	if !ok {
		return fmt.Errorf("batch claim %q: sequence number %v is not an integer", key, claim[claimFieldSequenceNumber])
	}
	nwsspValue, nwssp := claim[claimFieldNWSSPSequenceNumber]
	var nwsspSeq int64
	if nwssp {
		if nwsspSeq, ok = toInt64(nwsspValue); !ok {
			return fmt.Errorf("batch claim %q: nwssp sequence number %v is not an integer", key, nwsspValue)
		}
	}

	index := map[string][]string{
		IndexClaimID:             claimIDs,
		IndexClaimHandleTime:     {handleTime},
		IndexClaimSequenceNumber: {strconv.FormatInt(seq, 10)},
		IndexDelta:               {CompositeTerm(s.now().UTC().Format(dateTimeFormat), strconv.FormatInt(seq, 10))},
	}
	if nwssp {
		index[IndexClaimSequenceNumberNWSSP] = []string{strconv.FormatInt(nwsspSeq, 10)}
	}

	payload := shallowCopy(claim)
	if truthy(payload[claimFieldMetadata]) && !truthy(payload[claimFieldBackwardIncompat]) {
		payload[fieldBatchXML] = ""
	}
	body, err := EncodeBody(SortKeyClaim, payload)
	if err != nil {
		logger.Error("encoding batch claim failed", "error", err)
		return err
	}

	ids := make([]types.AttributeValue, 0, len(claimIDs))
	for _, id := range claimIDs {
		ids = append(ids, stringAttr(id))
	}
	item := map[string]types.AttributeValue{
		AttrPK:           stringAttr(key),
		AttrSK:           stringAttr(string(SortKeyClaim)),
		AttrBody:         body,
		AttrExpireAt:     intAttr(s.expireAfterDays(s.config.ClaimExpiryDays)),
		AttrClaimIDs:     &types.AttributeValueMemberL{Value: ids},
		AttrIndexes:      BuildIndexAttribute(index).attributeValue(),
		AttrBatchClaimID: stringAttr(key),
	}
	if nwssp {
		item[AttrSequenceNumberNWSSP] = intAttr(nwsspSeq)
	} else {
		item[AttrSequenceNumber] = intAttr(seq)
	}

	if err := s.Overwrite(ctx, item); err != nil {
		logger.Error("storing batch claim failed", "error", err)
		return err
	}
	return nil
}

// FetchBatchClaim returns a stored batch claim with its batch XML as text,
// or nil when there is none.
func (s *Store) FetchBatchClaim(ctx context.Context, batchClaimID string) (map[string]any, error) {
	item, err := s.GetItem(ctx, batchClaimID, SortKeyClaim, ReadOptions{})
	if err != nil || item == nil {
		return nil, err
	}
	body, err := DecodeBody(SortKeyClaim, item.Raw[AttrBody], false)
	if err != nil {
		s.log(ctx).Error("decoding batch claim failed", "batchClaimID", batchClaimID, "error", err)
		return nil, s.keyError(batchClaimID, SortKeyClaim, err)
	}
	return body, nil
}

// FetchNextSequenceNumber allocates the next batch claim sequence number.
// Only a singleton worker may allocate.
func (s *Store) FetchNextSequenceNumber(ctx context.Context, maxValue int, readOnly bool) (int, error) {
	return s.sequences.Next(ctx, CounterClaimSequence, maxValue, readOnly)
}

// FetchNextSequenceNumberNWSSP allocates the next NWSSP batch claim
// sequence number. Only a singleton worker may allocate.
func (s *Store) FetchNextSequenceNumberNWSSP(ctx context.Context, maxValue int, readOnly bool) (int, error) {
	return s.sequences.Next(ctx, CounterClaimSequenceNWSSP, maxValue, readOnly)
}

// BatchClaimIDsBySequenceNumber returns the batch claims stored with a
// sequence number. The counters themselves are excluded.
func (s *Store) BatchClaimIDsBySequenceNumber(ctx context.Context, seq int, nwssp bool) ([]string, error) {
	in := QueryInput{
		IndexName:    GSIClaimIDSequenceNumber,
		KeyCondition: Equal(AttrSequenceNumber, seq),
	}
	if nwssp {
		in.IndexName = GSIClaimIDSequenceNumberNWSSP
		in.KeyCondition = Equal(AttrSequenceNumberNWSSP, seq)
	}

	keys, err := CollectKeys(s.queryKeys(ctx, in))
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(keys, func(k string) bool {
		return k == CounterClaimSequence || k == CounterClaimSequenceNWSSP
	}), nil
}

// BatchClaimsContaining returns the batch claims that include claimID.
func (s *Store) BatchClaimsContaining(ctx context.Context, claimID string) ([]string, error) {
	return CollectKeys(s.queryKeys(ctx, QueryInput{
		IndexName:    GSIClaimID,
		KeyCondition: Equal(AttrSK, string(SortKeyClaim)),
		Filter:       Contains(AttrClaimIDs, claimID),
	}))
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, el := range t {
			out = append(out, fmt.Sprint(el))
		}
		return out
	}
	return nil
}

// truthy follows the usual notion of an empty value: nil, false, zero,
// empty strings and empty collections are false.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
