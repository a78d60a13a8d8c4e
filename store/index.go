package store

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Index names as supplied by callers. Keys are lower-cased when stored.
const (
	IndexNHSNumberDate            = "nhsNumberDate_bin"
	IndexNHSNumberPrescriberDate  = "nhsNumberPrescriberDate_bin"
	IndexNHSNumberPrescDispDate   = "nhsNumberPrescDispDate_bin"
	IndexNHSNumberDispenserDate   = "nhsNumberDispenserDate_bin"
	IndexPrescriberDate           = "prescriberDate_bin"
	IndexPrescDispDate            = "prescDispDate_bin"
	IndexPrescribingSiteStatus    = "prescribingSiteStatus_bin"
	IndexDispenserDate            = "dispenserDate_bin"
	IndexDispensingSiteStatus     = "dispensingSiteStatus_bin"
	IndexNextActivity             = "nextActivityNAD_bin"
	IndexNomPharmStatus           = "nomPharmStatus_bin"
	IndexNHSNumber                = "nhsNumber_bin"
	IndexDeleteDate               = "backstopdeletedate_bin"
	IndexPrescriptionID           = "prescriptionid_bin"
	IndexStoreTimeDocRefTitle     = "storetimebydocreftitle_bin"
	IndexDelta                    = "delta_bin"
	IndexWorkListDate             = "workListDate_bin"
	IndexClaimID                  = "claimid_bin"
	IndexClaimHandleTime          = "claimhandletime_bin"
	IndexClaimSequenceNumber      = "seqnum_bin"
	IndexClaimSequenceNumberNWSSP = "nwsspseqnum_bin"
)

// TermSeparator joins the parts of a composite index term.
const TermSeparator = "|"

// IndexTerms maps an index name to the terms stored under it.
type IndexTerms map[string][]string

// BuildIndexAttribute returns a copy of raw with every index name
// lower-cased. Term values are left unchanged. Applying it twice gives the
// same result as applying it once.
func BuildIndexAttribute(raw map[string][]string) IndexTerms {
	if raw == nil {
		return nil
	}
	out := make(IndexTerms, len(raw))
	for name, terms := range raw {
		out[strings.ToLower(name)] = terms
	}
	return out
}

// Terms returns the terms stored for name, matching case-insensitively.
func (t IndexTerms) Terms(name string) []string {
	return t[strings.ToLower(name)]
}

// First returns the first term stored for name.
func (t IndexTerms) First(name string) (string, bool) {
	terms := t.Terms(name)
	if len(terms) == 0 {
		return "", false
	}
	return terms[0], true
}

// attributeValue renders the terms as a map of string lists keyed by
// lower-cased index name.
func (t IndexTerms) attributeValue() types.AttributeValue {
	m := make(map[string]types.AttributeValue, len(t))
	for name, terms := range t {
		list := make([]types.AttributeValue, 0, len(terms))
		for _, term := range terms {
			list = append(list, &types.AttributeValueMemberS{Value: term})
		}
		m[strings.ToLower(name)] = &types.AttributeValueMemberL{Value: list}
	}
	return &types.AttributeValueMemberM{Value: m}
}

// indexTermsFromAttribute reads a stored index attribute. Numeric terms
// written by older clients are returned in their decimal string form.
func indexTermsFromAttribute(av types.AttributeValue) IndexTerms {
	m, ok := av.(*types.AttributeValueMemberM)
	if !ok {
		return nil
	}
	out := make(IndexTerms, len(m.Value))
	for name, v := range m.Value {
		var terms []string
		switch list := v.(type) {
		case *types.AttributeValueMemberL:
			for _, el := range list.Value {
				switch term := el.(type) {
				case *types.AttributeValueMemberS:
					terms = append(terms, term.Value)
				case *types.AttributeValueMemberN:
					terms = append(terms, term.Value)
				}
			}
		case *types.AttributeValueMemberSS:
			terms = append(terms, list.Value...)
		}
		out[name] = terms
	}
	return out
}

// indexTermsFromAny lower-cases index names from an untyped source such as
// a decoded record body. Anything other than a map of term lists yields no
// terms and is logged.
func indexTermsFromAny(logger *slog.Logger, v any) IndexTerms {
	switch raw := v.(type) {
	case nil:
		return nil
	case IndexTerms:
		return BuildIndexAttribute(raw)
	case map[string][]string:
		return BuildIndexAttribute(raw)
	case map[string]any:
		out := make(map[string][]string, len(raw))
		for name, terms := range raw {
			list, ok := terms.([]any)
			if !ok {
				if strs, ok := terms.([]string); ok {
					out[name] = strs
					continue
				}
				logger.Warn("ignoring index with unexpected terms", "index", name, "type", fmt.Sprintf("%T", terms))
				continue
			}
			for _, term := range list {
				if s, ok := term.(string); ok {
					out[name] = append(out[name], s)
				}
			}
		}
		return BuildIndexAttribute(out)
	}
	logger.Warn("ignoring index attribute of unexpected type", "type", fmt.Sprintf("%T", v))
	return nil
}

// CompositeTerm joins parts in the order given.
func CompositeTerm(parts ...string) string {
	return strings.Join(parts, TermSeparator)
}

// Term is one index term together with the key of the item it came from.
type Term struct {
	Value string
	Key   string
}

// FilterTermsByRegex returns one Term per stored term of indexName that
// matches pattern, in item order. A nil pattern matches every term.
func FilterTermsByRegex(items []*Item, indexName string, pattern *regexp.Regexp) []Term {
	var terms []Term
	for _, item := range items {
		for _, value := range item.Indexes.Terms(indexName) {
			if pattern == nil || pattern.MatchString(value) {
				terms = append(terms, Term{Value: value, Key: item.Key})
			}
		}
	}
	return terms
}
