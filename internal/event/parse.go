package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// ParseUpstream converts one raw upstream record into canonical events.
// The upstream wire shape is the municipal service envelope: a tenantId
// plus either a "property" or a "demand" object. A demand record expands
// into one demand event plus one demand_detail event per tax head line,
// so each stratum keeps full snapshots of its own entity type.
func ParseUpstream(raw []byte) ([]*Event, error) {
	var env struct {
		TenantID string                 `json:"tenantId"`
		Property map[string]interface{} `json:"property"`
		Demand   map[string]interface{} `json:"demand"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse upstream record: %w", err)
	}
	if env.TenantID == "" {
		return nil, fmt.Errorf("parse upstream record: tenantId is required")
	}
	switch {
	case env.Property != nil:
		ev, err := parseProperty(env.TenantID, env.Property)
		if err != nil {
			return nil, err
		}
		return []*Event{ev}, nil
	case env.Demand != nil:
		return parseDemand(env.TenantID, env.Demand)
	default:
		return nil, fmt.Errorf("parse upstream record: neither property nor demand present")
	}
}

func parseProperty(tenantID string, p map[string]interface{}) (*Event, error) {
	id := str(p, "propertyId")
	if id == "" {
		return nil, fmt.Errorf("property event: propertyId is required")
	}
	audit := submap(p, "auditDetails")
	observed := num(audit, "lastModifiedTime")
	if observed == 0 {
		return nil, fmt.Errorf("property %s: auditDetails.lastModifiedTime is required", id)
	}
	return &Event{
		EntityType: TypeProperty,
		Key:        Key{TenantID: tenantID, ID: id},
		ObservedAt: observed,
		Version:    num(p, "version"),
		Payload: map[string]interface{}{
			"property_type":          str(p, "propertyType"),
			"usage_category":         str(p, "usageCategory"),
			"ownership_category":     str(p, "ownershipCategory"),
			"status":                 str(p, "status"),
			"acknowledgement_number": str(p, "acknowldgementNumber"), // upstream field name is misspelled
			"creation_reason":        str(p, "creationReason"),
			"no_of_floors":           num(p, "noOfFloors"),
			"source":                 str(p, "source"),
			"channel":                str(p, "channel"),
			"financial_year":         str(p, "financialYear"),
			"land_area":              amount(p, "landArea"),
			"super_built_up_area":    amount(p, "superBuiltUpArea"),
			"created_by":             str(audit, "createdBy"),
			"created_time":           num(audit, "createdTime"),
			"last_modified_by":       str(audit, "lastModifiedBy"),
		},
	}, nil
}

func parseDemand(tenantID string, d map[string]interface{}) ([]*Event, error) {
	id := str(d, "id")
	if id == "" {
		return nil, fmt.Errorf("demand event: id is required")
	}
	audit := submap(d, "auditDetails")
	observed := num(audit, "lastModifiedTime")
	if observed == 0 {
		return nil, fmt.Errorf("demand %s: auditDetails.lastModifiedTime is required", id)
	}
	version := num(d, "version")

	events := []*Event{{
		EntityType: TypeDemand,
		Key:        Key{TenantID: tenantID, ID: id},
		ObservedAt: observed,
		Version:    version,
		Payload: map[string]interface{}{
			"consumer_code":          str(d, "consumerCode"),
			"business_service":       str(d, "businessService"),
			"financial_year":         str(d, "financialYear"),
			"status":                 str(d, "status"),
			"is_payment_completed":   boolean(d, "isPaymentCompleted"),
			"minimum_amount_payable": amount(d, "minimumAmountPayable"),
			"tax_period_from":        num(d, "taxPeriodFrom"),
			"tax_period_to":          num(d, "taxPeriodTo"),
			"created_time":           num(audit, "createdTime"),
			"last_modified_by":       str(audit, "lastModifiedBy"),
		},
	}}

	details, _ := d["demandDetails"].([]interface{})
	for i, raw := range details {
		dd, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("demand %s: demandDetails[%d] is not an object", id, i)
		}
		detailID := str(dd, "id")
		if detailID == "" {
			return nil, fmt.Errorf("demand %s: demandDetails[%d].id is required", id, i)
		}
		// Details carry the parent demand's observed time and version:
		// a demand snapshot replaces all of its lines at once.
		events = append(events, &Event{
			EntityType: TypeDemandDetail,
			Key:        Key{TenantID: tenantID, ID: detailID},
			ObservedAt: observed,
			Version:    version,
			Payload: map[string]interface{}{
				"demand_id":         id,
				"tax_head_code":     str(dd, "taxHeadMasterCode"),
				"tax_amount":        amount(dd, "taxAmount"),
				"collection_amount": amount(dd, "collectionAmount"),
				"tax_period_from":   num(dd, "taxPeriodFrom"),
				"tax_period_to":     num(dd, "taxPeriodTo"),
				"created_time":      num(audit, "createdTime"),
			},
		})
	}
	return events, nil
}

func str(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func submap(m map[string]interface{}, key string) map[string]interface{} {
	sub, _ := m[key].(map[string]interface{})
	return sub
}

func boolean(m map[string]interface{}, key string) bool {
	b, _ := m[key].(bool)
	return b
}

// num reads an integer-valued field (JSON numbers arrive as float64).
func num(m map[string]interface{}, key string) int64 {
	n, _ := toInt64(m[key])
	return n
}

// amount reads a monetary field, which upstream sends either as a number
// or as a decimal string like "5000.00".
func amount(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0
		}
		return f
	}
	return 0
}
