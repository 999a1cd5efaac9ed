package server

import "fmt"

// Prompts mirror the product's Spanish-language coaching voice. Each one
// demands a bare JSON object so ExtractJSON can stay simple.

const neutralAdvice = "Revisa tus hábitos."

func sleepPrompt(features map[string]any) string {
	return "Eres un asistente médico. Evalúa la calidad del sueño con los datos proporcionados.\n" +
		"IMPORTANTE: Devuelve ÚNICAMENTE JSON (sin Markdown, sin explicaciones, sin ```), con esta forma exacta:\n" +
		`{ "score": 3, "advice": "texto breve con razones y recomendaciones" }` + "\n" +
		"Escala: 1=muy pobre · 3=aceptable · 5=excelente.\n" +
		"Datos:\n" + mustMarshalJSON(features)
}

func stressPrompt(features map[string]any) string {
	return "Eres un asistente de bienestar. Evalúa el nivel de estrés con los datos diarios agregados (medias) proporcionados.\n" +
		"Devuelve ÚNICAMENTE JSON (sin Markdown ni ```) con esta forma exacta:\n" +
		`{ "score": 3, "advice": "texto breve con razones y recomendaciones" }` + "\n" +
		"Escala: 1=muy alto (peor) · 3=medio · 5=bajo (mejor).\n" +
		"Datos:\n" + mustMarshalJSON(features)
}

func activityPrompt(features map[string]any) string {
	return "Eres un coach de salud. Evalúa la ACTIVIDAD FÍSICA diaria con los datos agregados (medias/sumas por día).\n" +
		"Devuelve ÚNICAMENTE JSON con esta forma exacta (sin Markdown ni ```):\n" +
		`{ "score": 3, "advice": "recomendaciones breves y concretas" }` + "\n" +
		"Escala: 1=muy baja/sedentaria · 3=moderada · 5=óptima.\n\n" +
		"Pautas:\n" +
		"- Ten en cuenta: pasos totales, minutos activos/moderados-vigorosos, MET-minutes, duración total, calorías, distancia.\n" +
		"- Usa la FC (avg_hr / max_hr) como contexto de intensidad si está disponible.\n" +
		"- Si los datos son muy pobres o nulos, puntúa bajo y recomienda objetivos mínimos progresivos.\n" +
		"- Si el tipo de ejercicio que se hace es 'Outdoor Walk' obvia todas las columnas cuyos datos son 0 o nulos.\n" +
		"\nDatos:\n" + mustMarshalJSON(features)
}

func scoringPromptFor(metric string) func(map[string]any) string {
	switch metric {
	case metricStress:
		return stressPrompt
	case metricActivity:
		return activityPrompt
	default:
		return sleepPrompt
	}
}

func interventionsDayPrompt(metric string, features map[string]any, baseVal int) string {
	return "Eres un asistente de salud personal que diseña intervenciones específicas por día.\n" +
		"Tarea: con los DATOS de un día y su PUNTUACIÓN real (1–5), propone exactamente 3 intervenciones breves y concretas, " +
		"adaptadas a ese día en particular. Si el día es 1/5 usa medidas más intensivas; si es 4/5 usa ajustes finos.\n" +
		"Devuelve SOLO JSON válido (sin Markdown ni ```) con esta forma exacta:\n" +
		`{ "interventions": [` + "\n" +
		`  { "title": "…", "description": "…", "category": "…", "effort": 1 },` + "\n" +
		`  { "title": "…", "description": "…", "category": "…", "effort": 2 },` + "\n" +
		`  { "title": "…", "description": "…", "category": "…", "effort": 3 }` + "\n" +
		"] }\n\n" +
		fmt.Sprintf("Métrica: %s\n", metric) +
		fmt.Sprintf("Puntuación real del día: %d\n", baseVal) +
		"Datos del día:\n" +
		mustMarshalJSON(features) + "\n" +
		"Reglas:\n" +
		"- Deben ser accionables hoy o en el próximo ciclo.\n" +
		"- No repitas exactamente las mismas intervenciones entre días si los datos difieren.\n" +
		"- Mantén títulos cortos y descripciones concretas.\n"
}

func simulatePointPrompt(metric string, features map[string]any, baseVal int, interventions []map[string]any) string {
	return "Actúa como un gemelo digital humano que estima el resultado tras aplicar intervenciones de bienestar.\n" +
		"Tarea: con los DATOS de un día y unas INTERVENCIONES propuestas, estima la puntuación esperada para el próximo ciclo si la persona aplica las intervenciones con adherencia ~70%.\n" +
		"Escala entera 1–5 (1=peor, 5=excelente). No asumas mejora automática.\n" +
		"Devuelve SOLO JSON válido (sin Markdown ni ```) con esta forma exacta:\n" +
		`{ "after_score": 3, "rationale": "explica en 1-2 frases por qué sube/baja o se mantiene" }` + "\n\n" +
		fmt.Sprintf("Métrica: %s\n", metric) +
		fmt.Sprintf("Puntuación real previa (base): %d\n", baseVal) +
		"Datos:\n" +
		mustMarshalJSON(features) + "\n" +
		"Intervenciones:\n" +
		mustMarshalJSON(interventions) + "\n" +
		"Reglas:\n" +
		"- Usa SOLO números enteros 1..5 para after_score.\n" +
		"- Sé conservador si el dato ya es 5."
}
