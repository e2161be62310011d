package lesson

// Builtin returns the lessons every store is seeded with.
func Builtin() []Lesson {
	out := make([]Lesson, 0, len(builtin))
	for _, l := range builtin {
		out = append(out, cloneLesson(l))
	}
	return out
}

var builtin = []Lesson{
	{
		Key:    "greetings",
		Title:  "Saludos",
		Locale: "es-ES",
		Prompt: "Saluda como si entraras en una tienda.",
		Phrases: []Phrase{
			{Text: "hola", Translation: "hello", Reply: "¡Hola! ¿Qué tal?"},
			{Text: "buenos días", Translation: "good morning", Reply: "¡Buenos días! ¿Cómo estás?"},
			{Text: "buenas tardes", Translation: "good afternoon", Reply: "¡Buenas tardes!"},
			{Text: "buenas noches", Translation: "good evening", Reply: "Buenas noches. Que descanses."},
			{Text: "cómo estás", Translation: "how are you", Reply: "Muy bien, gracias. ¿Y tú?"},
			{Text: "muy bien gracias", Translation: "very well thanks", Reply: "¡Me alegro!"},
			{Text: "adiós", Translation: "goodbye", Reply: "¡Hasta luego!"},
		},
	},
	{
		Key:    "restaurant",
		Title:  "En el restaurante",
		Locale: "es-ES",
		Prompt: "Pide algo de comer o de beber.",
		Phrases: []Phrase{
			{Text: "una mesa para dos por favor", Translation: "a table for two please", Reply: "Claro, síganme."},
			{Text: "la carta por favor", Translation: "the menu please", Reply: "Aquí tiene la carta."},
			{Text: "quiero un café con leche", Translation: "I want a coffee with milk", Reply: "Un café con leche, enseguida."},
			{Text: "un vaso de agua por favor", Translation: "a glass of water please", Reply: "Ahora mismo se lo traigo."},
			{Text: "la cuenta por favor", Translation: "the bill please", Reply: "Son quince euros."},
		},
	},
	{
		Key:    "directions",
		Title:  "Direcciones",
		Locale: "es-ES",
		Prompt: "Pregunta cómo llegar a un sitio.",
		Phrases: []Phrase{
			{Text: "dónde está la estación", Translation: "where is the station", Reply: "Siga recto y gire a la izquierda."},
			{Text: "dónde está el baño", Translation: "where is the bathroom", Reply: "Al fondo, a la derecha."},
			{Text: "está lejos", Translation: "is it far", Reply: "No, está a cinco minutos andando."},
			{Text: "a la derecha", Translation: "to the right", Reply: "Eso es, a la derecha."},
			{Text: "a la izquierda", Translation: "to the left", Reply: "Muy bien, a la izquierda."},
		},
	},
}
