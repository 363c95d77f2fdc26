package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeBuyBid(t *testing.T) {
	bid, err := DecodeBuyBid([]byte(`{
        "msppaymentcompany": "PayCoMSP",
        "token": "tok-1",
        "utilityid": "UtilityMSP",
        "energyquantity": 12.5,
        "priceperkwh": 0.3,
        "energytype": "solar",
        "validated": true
    }`))
	require.NoError(t, err)
	require.Equal(t, "PayCoMSP", bid.PaymentCompanyMSP)
	require.Equal(t, "tok-1", bid.Token)
	require.Equal(t, "UtilityMSP", bid.UtilityMSP)
	require.Equal(t, 12.5, bid.QuantityKWH)
	require.Equal(t, 0.3, bid.PricePerKWH)
	require.True(t, bid.Validated)
}

func TestDecodeBuyBidRejectsIncompleteDocuments(t *testing.T) {
	_, err := DecodeBuyBid([]byte(`{"token":"tok-1"}`))
	require.Error(t, err)
	require.False(t, IsTransient(err))

	_, err = DecodeBuyBid([]byte(`not json`))
	require.Error(t, err)
	require.False(t, IsTransient(err))
}

func TestDecodeTradeRecords(t *testing.T) {
	trades, err := DecodeTradeRecords([]byte(`[
        {"mspseller":"SellerMSP","sellerid":"s1","sellerbidnumber":4,
         "msppaymentcompany":"PayCoMSP","token":"tok-1","utilityid":"UtilityMSP",
         "energyquantity":5,"priceperkwh":2,"energytype":"wind"}
    ]`))
	require.NoError(t, err)
	require.Len(t, trades, 1)
	require.Equal(t, uint64(4), trades[0].SellerBidNumber)
	require.Equal(t, 10.0, trades[0].QuantityKWH*trades[0].PricePerKWH)

	empty, err := DecodeTradeRecords(nil)
	require.NoError(t, err)
	require.Empty(t, empty)

	_, err = DecodeTradeRecords([]byte(`{"not":"an array"}`))
	require.Error(t, err)
}
