// Package crawler defines the domain types and collaborator contracts shared
// by the crawl orchestration engine: items discovered on listing pages, the
// requests and responses exchanged with remote sites, the persisted crawl
// record, and the Site Adapter and Persistence Sink interfaces that the
// orchestrator is parameterised over.
package crawler
