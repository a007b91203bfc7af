package routes

import (
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/chi/v5"

	"github.com/cie-platform/expert-portal/app"
	"github.com/cie-platform/expert-portal/routes/middlewares"
)

func Wire(app app.App) http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Logger, middleware.Recoverer)

	root.Mount("/api", apiRouter(app))
	root.Mount("/", servePublicFiles())

	return root
}

func apiRouter(app app.App) http.Handler {
	api := chi.NewRouter()

	// expert-facing
	api.Route("/questionnaires", func(r chi.Router) {
		r.Use(middlewares.Expert(app.TokenSecret))

		r.Get("/", ExpertListQuestionnaires(app))
		r.Get(`/{id:^\d+$}`, ExpertGetQuestionnaire(app))
		r.Put(`/{id:^\d+$}/answers`, ExpertSaveAnswers(app))
	})

	api.Route("/admin", func(r chi.Router) {
		r.Use(middlewares.Admin(app.TokenSecret))

		// CRUD questionnaires
		r.Post("/questionnaires", CreateQuestionnaire(app))
		r.Get("/questionnaires", ListQuestionnaires(app))
		r.Get(`/questionnaires/{id:^\d+$}`, GetQuestionnaireById(app))
		r.Put(`/questionnaires/{id:^\d+$}`, UpdateQuestionnaire(app))
		r.Delete(`/questionnaires/{id:^\d+$}`, ArchiveQuestionnaire(app))

		// response rates (live while open, frozen after deadline)
		r.Get(`/questionnaires/{id:^\d+$}/stats`, QuestionnaireStats(app))

		// reference data + chapter dashboard
		r.Get("/references", ListReferences(app))
		r.Get(`/chapters/{id:^\d+$}/dashboard`, ChapterDashboard(app))

		// expert management
		r.Post("/experts", CreateExpert(app))
		r.Get("/experts", ListExperts(app))
		r.Get(`/experts/{id:^\d+$}`, GetExpertById(app))
		r.Put(`/experts/{id:^\d+$}`, UpdateExpert(app))
		r.Post("/experts/import", ImportExperts(app))

		r.Post("/export", ExportAnswers(app))
	})

	api.Post("/login", Login(app))
	api.Post("/refresh", Refresh(app))

	return api
}

func servePublicFiles() http.Handler {
	return http.FileServer(http.Dir("public"))
}
