package services

import (
	"encoding/json"
	"net/http"
)

// Bank is a payout destination in the withdrawal flow.
type Bank struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

var nigerianBanks = []Bank{
	{Code: "044", Name: "Access Bank"},
	{Code: "063", Name: "Access Bank (Diamond)"},
	{Code: "023", Name: "Citibank Nigeria"},
	{Code: "050", Name: "Ecobank Nigeria"},
	{Code: "070", Name: "Fidelity Bank"},
	{Code: "011", Name: "First Bank of Nigeria"},
	{Code: "214", Name: "First City Monument Bank"},
	{Code: "00103", Name: "Globus Bank"},
	{Code: "058", Name: "Guaranty Trust Bank"},
	{Code: "301", Name: "Jaiz Bank"},
	{Code: "082", Name: "Keystone Bank"},
	{Code: "526", Name: "Parallex Bank"},
	{Code: "076", Name: "Polaris Bank"},
	{Code: "101", Name: "Providus Bank"},
	{Code: "221", Name: "Stanbic IBTC Bank"},
	{Code: "068", Name: "Standard Chartered Bank"},
	{Code: "232", Name: "Sterling Bank"},
	{Code: "100", Name: "Suntrust Bank"},
	{Code: "302", Name: "TAJ Bank"},
	{Code: "102", Name: "Titan Trust Bank"},
	{Code: "032", Name: "Union Bank of Nigeria"},
	{Code: "033", Name: "United Bank For Africa"},
	{Code: "215", Name: "Unity Bank"},
	{Code: "035", Name: "Wema Bank"},
	{Code: "057", Name: "Zenith Bank"},
	{Code: "304", Name: "Lotus Bank"},
	{Code: "50211", Name: "Kuda Bank"},
	{Code: "090267", Name: "Kuda Microfinance Bank"},
	{Code: "100002", Name: "Paga"},
	{Code: "110005", Name: "Paycom"},
	{Code: "090405", Name: "Moniepoint MFB"},
	{Code: "090110", Name: "VFD Microfinance Bank"},
	{Code: "090286", Name: "Safe Haven MFB"},
}

// BankService is the static directory of supported payout banks.
type BankService struct {
	byCode map[string]Bank
}

func NewBankService() *BankService {
	byCode := make(map[string]Bank, len(nigerianBanks))
	for _, b := range nigerianBanks {
		byCode[b.Code] = b
	}
	return &BankService{byCode: byCode}
}

// IsValidCode reports whether a bank code is in the directory. Used to
// reject withdrawals to unknown destinations before the ledger is touched.
func (bs *BankService) IsValidCode(code string) bool {
	_, ok := bs.byCode[code]
	return ok
}

// GetAllBanks lists supported payout banks
// @Summary List banks
// @Description List the banks supported as withdrawal destinations
// @Tags banks
// @Produce json
// @Success 200 {array} Bank
// @Router /banks [get]
func (bs *BankService) GetAllBanks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	json.NewEncoder(w).Encode(nigerianBanks)
}
