package config

const defaultTemplate = `timezone: UTC

companies:
  - id: C1
    name: "Default Company"

sites:
  - id: S1
    company: C1
    name: "Site 1"
  - id: S2
    company: C1
    name: "Site 2"

categories:
  - id: cat-inf
    name: "Inert aggregates"
    prefix: INF
    capacity_hint: 40
    service_minutes_hint: 25
  - id: cat-elect
    name: "Electrical equipment"
    prefix: ELECT
    capacity_hint: 10
    service_minutes_hint: 45

workflows:
  - id: s1-inf
    name: "S1 INF flow"
    site: S1
    direction: loading
    categories: [INF]
    steps:
      - id: s1-inf-wait
        order: 10
        code: WAITING
        queue: s1-inf-attente
        initial: true
        statuses: [EN_ATTENTE]
      - id: s1-inf-sales
        order: 20
        code: SALES
        queue: s1-inf-vente
        statuses: [APPELÉ, EN_VENTE]
      - id: s1-inf-in
        order: 30
        code: WEIGH_IN
        queue: s1-inf-pesee-entree
        statuses: [PESÉ_ENTRÉE]
      - id: s1-inf-load
        order: 40
        code: LOADING
        statuses: [EN_CHARGEMENT, CHARGEMENT_TERMINÉ]
      - id: s1-inf-out
        order: 50
        code: WEIGH_OUT
        queue: s1-inf-pesee-sortie
        statuses: [PESÉ_SORTIE]
      - id: s1-inf-done
        order: 60
        code: DONE
        final: true
        statuses: [BL_GÉNÉRÉ, TERMINÉ]
        guard: "has_net"
  - id: s1-elect
    name: "S1 ELECT flow"
    site: S1
    direction: unloading
    categories: [ELECT]
    steps:
      - id: s1-elect-wait
        order: 10
        code: WAITING
        queue: s1-elect-attente
        initial: true
        statuses: [EN_ATTENTE]
      - id: s1-elect-sales
        order: 20
        code: DISPATCH
        queue: s1-elect-vente
        statuses: [APPELÉ, EN_VENTE]
      - id: s1-elect-in
        order: 30
        code: WEIGH_IN
        queue: s1-elect-pesee-entree
        statuses: [PESÉ_ENTRÉE]
      - id: s1-elect-load
        order: 40
        code: LOADING
        statuses: [EN_CHARGEMENT, CHARGEMENT_TERMINÉ]
      - id: s1-elect-out
        order: 50
        code: WEIGH_OUT
        queue: s1-elect-pesee-sortie
        statuses: [PESÉ_SORTIE]
      - id: s1-elect-done
        order: 60
        code: DONE
        final: true
        statuses: [BL_GÉNÉRÉ, TERMINÉ]
        guard: "has_net && net > 0"
  - id: s2-inf
    name: "S2 INF flow"
    site: S2
    direction: loading
    categories: [INF, ELECT]
    steps:
      - id: s2-inf-wait
        order: 10
        code: WAITING
        queue: s2-inf-attente
        initial: true
        statuses: [EN_ATTENTE]
      - id: s2-inf-sales
        order: 20
        code: SALES
        queue: s2-inf-vente
        statuses: [APPELÉ, EN_VENTE]
      - id: s2-inf-in
        order: 30
        code: WEIGH_IN
        queue: s2-inf-pesee-entree
        statuses: [PESÉ_ENTRÉE]
      - id: s2-inf-load
        order: 40
        code: LOADING
        statuses: [EN_CHARGEMENT, CHARGEMENT_TERMINÉ]
      - id: s2-inf-out
        order: 50
        code: WEIGH_OUT
        queue: s2-inf-pesee-sortie
        statuses: [PESÉ_SORTIE]
      - id: s2-inf-done
        order: 60
        code: DONE
        final: true
        statuses: [BL_GÉNÉRÉ, TERMINÉ]
        guard: "has_net"

queues:
  - id: s1-inf-attente
    name: "S1 INF attente"
    site: S1
    workflow: s1-inf
    priority_weight: 1
  - id: s1-inf-vente
    name: "S1 INF vente"
    site: S1
    workflow: s1-inf
    priority_weight: 2
  - id: s1-inf-pesee-entree
    name: "S1 INF pesee-entree"
    site: S1
    workflow: s1-inf
    priority_weight: 3
  - id: s1-inf-pesee-sortie
    name: "S1 INF pesee-sortie"
    site: S1
    workflow: s1-inf
    priority_weight: 5
  - id: s1-elect-attente
    name: "S1 ELECT attente"
    site: S1
    workflow: s1-elect
    priority_weight: 1
  - id: s1-elect-vente
    name: "S1 ELECT vente"
    site: S1
    workflow: s1-elect
    priority_weight: 2
  - id: s1-elect-pesee-entree
    name: "S1 ELECT pesee-entree"
    site: S1
    workflow: s1-elect
    priority_weight: 3
  - id: s1-elect-pesee-sortie
    name: "S1 ELECT pesee-sortie"
    site: S1
    workflow: s1-elect
    priority_weight: 5
  - id: s2-inf-attente
    name: "S2 INF attente"
    site: S2
    workflow: s2-inf
    priority_weight: 1
  - id: s2-inf-vente
    name: "S2 INF vente"
    site: S2
    workflow: s2-inf
    priority_weight: 2
  - id: s2-inf-pesee-entree
    name: "S2 INF pesee-entree"
    site: S2
    workflow: s2-inf
    priority_weight: 3
  - id: s2-inf-pesee-sortie
    name: "S2 INF pesee-sortie"
    site: S2
    workflow: s2-inf
    priority_weight: 5

sequence:
  backend: sqlite

rbac:
  multi_site_managers: false
  roles:
    ADMINISTRATOR:
      description: "Full access"
      permissions: ["*"]
    MANAGER:
      description: "Company management"
      permissions: ["ticket:*", "queue:*", "delivery_note:*", "workflow:read"]
    SUPERVISOR:
      description: "Site supervision"
      permissions: ["ticket:*", "queue:*", "delivery_note:issue", "workflow:read"]
    AGENT_QUAI:
      description: "Dock agent"
      permissions: ["ticket:read", "ticket:status", "queue:read", "queue:manage"]
    AGENT_GUERITE:
      description: "Gatehouse and weighbridge agent"
      permissions: ["ticket:create", "ticket:read", "ticket:status", "ticket:anomaly", "queue:read", "queue:manage", "delivery_note:issue"]

events:
  redis_url: ""
  redis_stream: ""

webhooks: []
`
