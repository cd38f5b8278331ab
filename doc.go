// Package zenoo is a type-safe client for Odoo-style JSON-RPC servers.
//
// The client layers an ergonomic local API over the remote model/method
// surface: authenticated sessions, chainable query sets with a polish
// notation domain compiler, lazy relationship traversal with prefetching,
// chunked bulk operations, client-side compensating transactions, a layered
// cache and a retry manager with a circuit breaker.
//
// A minimal session:
//
//	cfg := config.Default()
//	cfg.Endpoint = "https://odoo.example.com"
//	client, err := zenoo.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	if err := client.Authenticate(ctx, "prod", "admin", apiKey); err != nil {
//		log.Fatal(err)
//	}
//
//	partners, err := client.Model("res.partner").
//		Where("is_company", true).
//		Where("name__ilike", "acme").
//		OrderBy("-create_date").
//		Prefetch("country_id").
//		Limit(20).
//		All(ctx)
//
// Reads route through the cache manager, every call through the retry
// manager, and writes issued inside Transaction journal their inverses for
// compensating rollback.
package zenoo
