package middlewares

import (
	"net/http"

	"bitbucket.org/skillbridge/backend/escrow"
	"bitbucket.org/skillbridge/backend/processor"
	"golang.org/x/text/language"
)

var Responses = struct {
	FailedValidations   *NewRM
	InternalServerError *NewRM
	Unauthorized        *NewRM
}{
	FailedValidations: &NewRM{
		Language.English: "Failed field validations",
		Language.Spanish: "Las validaciones de los campos fallaron",
	},
	InternalServerError: &NewRM{
		Language.English: "Internal server error",
		Language.Spanish: "Problemas con el servidor",
	},
	Unauthorized: &NewRM{
		Language.English: "You need to sign in again",
		Language.Spanish: "Necesitas iniciar sesión de nuevo",
	},
}

// ErrorMessages are keyed by the error code.
var ErrorMessages = map[string]*NewRM{
	"invalid_amount": {
		Language.English: "The amount must be greater than zero",
		Language.Spanish: "El monto debe ser mayor que cero",
	},
	"self_payment": {
		Language.English: "You cannot pay yourself",
		Language.Spanish: "No puedes pagarte a ti mismo",
	},
	"refund_too_large": {
		Language.English: "The refund is larger than the payment",
		Language.Spanish: "El reembolso es mayor que el pago",
	},
	"unauthorized": {
		Language.English: "You are not allowed to act on this payment",
		Language.Spanish: "No tienes permiso para operar sobre este pago",
	},
	"payment_not_found": {
		Language.English: "Payment not found",
		Language.Spanish: "No se encontró el pago",
	},
	"profile_not_found": {
		Language.English: "Profile not found",
		Language.Spanish: "No se encontró el perfil",
	},
	"already_captured": {
		Language.English: "This payment was already completed",
		Language.Spanish: "Este pago ya fue completado",
	},
	"not_held": {
		Language.English: "The funds are not held in escrow",
		Language.Spanish: "Los fondos no están retenidos en garantía",
	},
	"invalid_transition": {
		Language.English: "The payment cannot change to that status",
		Language.Spanish: "El pago no puede cambiar a ese estado",
	},
	"concurrent_update": {
		Language.English: "The payment was updated by someone else, refresh and try again",
		Language.Spanish: "El pago fue modificado por otra persona, actualiza e intenta de nuevo",
	},
	"submission_in_progress": {
		Language.English: "This payment is already being processed",
		Language.Spanish: "Este pago ya se está procesando",
	},
	"request_not_found": {
		Language.English: "Request not found",
		Language.Spanish: "No se encontró la solicitud",
	},
	"proposal_not_found": {
		Language.English: "Proposal not found",
		Language.Spanish: "No se encontró la propuesta",
	},
	"own_request": {
		Language.English: "You cannot send a proposal to your own request",
		Language.Spanish: "No puedes enviar una propuesta a tu propia solicitud",
	},
	"request_closed": {
		Language.English: "The request is no longer open",
		Language.Spanish: "La solicitud ya no está abierta",
	},
	"proposal_closed": {
		Language.English: "The proposal is no longer pending",
		Language.Spanish: "La propuesta ya no está pendiente",
	},
	"budget_change_pending": {
		Language.English: "The provider has not answered the previous budget change yet",
		Language.Spanish: "El proveedor aún no responde el cambio de presupuesto anterior",
	},
	"partial_failure": {
		Language.English: "Your payment is held, refresh to finish accepting the proposal",
		Language.Spanish: "Tu pago está retenido, actualiza para terminar de aceptar la propuesta",
	},
	"internal": {
		Language.English: "Internal server error",
		Language.Spanish: "Problemas con el servidor",
	},
}

type NewRM map[string]string

// In returns the message for lang, falling back to English.
func (m *NewRM) In(lang string) string {
	if msg, ok := (*m)[lang]; ok {
		return msg
	}
	return (*m)[Language.English]
}

var Language = struct {
	English string
	Spanish string
}{
	English: "en",
	Spanish: "es",
}

var LanguageMap = map[string]string{
	Language.Spanish: "Spanish",
	Language.English: "English",
}

var supported = []language.Tag{language.English, language.Spanish}

var matcher = language.NewMatcher(supported)

// RequestLanguage picks en or es from the Accept-Language header.
func RequestLanguage(r *http.Request) string {
	tags, _, err := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	if err != nil || len(tags) == 0 {
		return Language.English
	}
	_, index, _ := matcher.Match(tags...)
	base, _ := supported[index].Base()
	return base.String()
}

// Message is the text shown to the user for err. Processor messages are
// shown verbatim, whatever the language.
func Message(lang string, err error) string {
	if perr, ok := processor.AsError(err); ok && perr.Message != "" {
		return perr.Message
	}
	if m, ok := ErrorMessages[escrow.CodeOf(err)]; ok {
		return m.In(lang)
	}
	if escrow.KindOf(err) == escrow.KindInternal {
		return Responses.InternalServerError.In(lang)
	}
	return escrow.UserMessage(err)
}
