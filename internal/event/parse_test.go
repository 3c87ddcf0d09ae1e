package event_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/civicstream/taxmart/internal/event"
)

const propertyRecord = `{
	"tenantId": "pb.amritsar",
	"property": {
		"propertyId": "PT-001",
		"propertyType": "BUILTUP",
		"usageCategory": "RESIDENTIAL",
		"ownershipCategory": "INDIVIDUAL",
		"status": "ACTIVE",
		"acknowldgementNumber": "ACK-PT-001",
		"landArea": "1250.5000",
		"version": 2,
		"auditDetails": {
			"createdBy": "system",
			"createdTime": 1705000000000,
			"lastModifiedBy": "citizen_user_001",
			"lastModifiedTime": 1705100000000
		}
	}
}`

const demandRecord = `{
	"tenantId": "pb.amritsar",
	"demand": {
		"id": "D1",
		"consumerCode": "PT-001",
		"businessService": "PT",
		"financialYear": "2024-25",
		"status": "ACTIVE",
		"isPaymentCompleted": false,
		"minimumAmountPayable": "5500.00",
		"version": 3,
		"demandDetails": [
			{"id": "DD1", "taxHeadMasterCode": "PT_TAX", "taxAmount": "5000", "collectionAmount": "3000"},
			{"id": "DD2", "taxHeadMasterCode": "PT_LATE_FEE", "taxAmount": "500", "collectionAmount": "0"}
		],
		"auditDetails": {"createdTime": 1705000000000, "lastModifiedTime": 1705200000000}
	}
}`

func TestParseUpstream_Property(t *testing.T) {
	events, err := event.ParseUpstream([]byte(propertyRecord))
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	require.Equal(t, event.TypeProperty, ev.EntityType)
	require.Equal(t, event.Key{TenantID: "pb.amritsar", ID: "PT-001"}, ev.Key)
	require.Equal(t, int64(1705100000000), ev.ObservedAt)
	require.Equal(t, int64(2), ev.Version)
	require.Equal(t, "RESIDENTIAL", ev.Payload["usage_category"])
	require.Equal(t, 1250.5, ev.Payload["land_area"])
	require.Equal(t, "ACK-PT-001", ev.Payload["acknowledgement_number"])
	require.False(t, ev.CreatedEquals())
}

func TestParseUpstream_DemandExpandsDetails(t *testing.T) {
	events, err := event.ParseUpstream([]byte(demandRecord))
	require.NoError(t, err)
	require.Len(t, events, 3)

	demand := events[0]
	require.Equal(t, event.TypeDemand, demand.EntityType)
	require.Equal(t, "D1", demand.Key.ID)
	require.Equal(t, 5500.0, demand.Payload["minimum_amount_payable"])

	for _, detail := range events[1:] {
		require.Equal(t, event.TypeDemandDetail, detail.EntityType)
		require.Equal(t, "D1", detail.Payload["demand_id"])
		require.Equal(t, demand.ObservedAt, detail.ObservedAt)
		require.Equal(t, demand.Version, detail.Version)
	}
	require.Equal(t, 5000.0, events[1].Payload["tax_amount"])
	require.Equal(t, 3000.0, events[1].Payload["collection_amount"])
}

func TestParseUpstream_Invalid(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"missing tenant", `{"property": {"propertyId": "P1"}}`},
		{"neither entity", `{"tenantId": "t"}`},
		{"missing property id", `{"tenantId": "t", "property": {}}`},
		{"missing observed time", `{"tenantId": "t", "property": {"propertyId": "P1"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := event.ParseUpstream([]byte(tc.raw))
			require.Error(t, err)
		})
	}
}
