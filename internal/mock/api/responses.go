package api

import (
	flowdomain "github.com/transfa/consent-flow/internal/flow/domain"
	"github.com/transfa/consent-flow/internal/mock/domain"
)

// The mock bank answers in the same wire format the flow-service gateway reads.

func consentResponse(consent *domain.Consent) flowdomain.Consent {
	refs := make([]flowdomain.AccountReference, 0, len(consent.Accounts))
	for _, account := range consent.Accounts {
		refs = append(refs, flowdomain.AccountReference{IBAN: account.IBAN, Currency: account.Currency})
	}

	response := flowdomain.Consent{
		ConsentID: consent.ID,
		Status:    consent.Status,
		PsuID:     consent.PsuID,
		Access: flowdomain.AccountAccess{
			Accounts:     refs,
			Balances:     refs,
			Transactions: refs,
		},
		ValidUntil:         consent.ValidUntil.UTC().Format("2006-01-02"),
		FrequencyPerDay:    consent.FrequencyPerDay,
		RecurringIndicator: consent.RecurringIndicator,
	}
	if consent.PaymentID != nil {
		response.PaymentID = *consent.PaymentID
	}
	return response
}

func accountResponse(account domain.Account) flowdomain.AccountDetails {
	return flowdomain.AccountDetails{
		ResourceID: account.ID,
		IBAN:       account.IBAN,
		Currency:   account.Currency,
		Name:       account.Name,
		Product:    account.Product,
		Balances: []flowdomain.Balance{{
			BalanceType: "closingBooked",
			Amount:      flowdomain.Amount{Currency: account.Currency, Amount: account.Balance},
		}},
	}
}

func paymentResponse(payment *domain.Payment) flowdomain.Payment {
	return flowdomain.Payment{
		PaymentID:              payment.ID,
		DebtorAccount:          flowdomain.AccountReference{IBAN: payment.DebtorIBAN, Currency: payment.Currency},
		CreditorAccount:        flowdomain.AccountReference{IBAN: payment.CreditorIBAN, Currency: payment.Currency},
		CreditorName:           payment.CreditorName,
		InstructedAmount:       flowdomain.Amount{Currency: payment.Currency, Amount: payment.Amount},
		RemittanceInformation:  payment.RemittanceInformation,
		RequestedExecutionDate: payment.RequestedExecutionDate.Format("2006-01-02"),
		TransactionStatus:      payment.TransactionStatus,
	}
}
