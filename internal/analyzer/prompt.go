package analyzer

import "fmt"

// SystemPrompt is the fixed instruction sent with every question.
const SystemPrompt = `You are a legal assistant specialized in contract analysis. Answer the user's question clearly and precisely, using the attached document as context.

Your answer must be written in Markdown format, suitable for inclusion in a DOCX document (use clear sections, bullet points, or numbered lists where appropriate). Keep bullet points concise.

At the end of your answer, assess the legal risk level based on the following criteria:
- HIGH: Clauses that may create significant liabilities, unilateral termination, severe penalties, ambiguous terms favoring the other party, or lack of important protections.
- MEDIUM: Terms that require attention but do not pose immediate risks, standard clauses that could be improved.
- LOW: Favorable or neutral terms, standard industry clauses, or adequate protections.
- NOT EVALUATED: If you do not have enough information to assess the risk, or the question is not applicable, finish your answer with "RISK: NOT EVALUATED".

Finish your answer with a line that clearly states: "RISK: [HIGH/MEDIUM/LOW/NOT EVALUATED]"`

// Fixed answers for questions that never reach a model. All carry High risk.
const (
	NoProviderAnswer = "Error: no hay ningún proveedor de IA configurado (ANTHROPIC_API_KEY o GOOGLE_API_KEY)"
	NoContextAnswer  = "No se pudo obtener un contexto válido de los documentos para analizar la pregunta."
	failedAnswerFmt  = "Error al procesar la pregunta: %v"
)

func attachmentPrompt(section, question string) string {
	return fmt.Sprintf("Section: %s\nQuestion: %s\n\nThe document to analyze is attached.", section, question)
}

func textPrompt(section, question, document string) string {
	return fmt.Sprintf("Section: %s\nQuestion: %s\n\nDocument to analyze:\n%s", section, question, document)
}
